package auth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Actions on repositories. ActionAll is written "*" in tokens and scopes
// and implies every other action.
const (
	ActionPull = "pull"
	ActionPush = "push"
	ActionAll  = "*"
)

// Resource types.
const (
	TypeRepository = "repository"
	TypeRegistry   = "registry"
)

// CatalogResource is the resource the catalog endpoint requires.
var CatalogResource = Resource{Type: TypeRegistry, Name: "catalog"}

// ParseScope parses a scope parameter of the form type[(class)]:name:actions
// into one Access per action. Names may contain colons; the actions
// follow the last one.
func ParseScope(scope string) ([]Access, error) {
	typ, rest, ok := strings.Cut(scope, ":")
	if !ok {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	name, actions := rest[:i], rest[i+1:]
	if typ == "" || name == "" || actions == "" {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}

	resource := Resource{Type: typ, Name: name}
	if open := strings.IndexByte(typ, '('); open > 0 && strings.HasSuffix(typ, ")") {
		resource.Type, resource.Class = typ[:open], typ[open+1:len(typ)-1]
	}

	parts := lo.Uniq(lo.Reject(strings.Split(actions, ","), func(a string, _ int) bool { return a == "" }))
	return lo.Map(parts, func(action string, _ int) Access {
		return Access{Resource: resource, Action: action}
	}), nil
}

// ParseScopes parses every scope parameter of a token request.
func ParseScopes(scopes []string) ([]Access, error) {
	var access []Access
	for _, s := range scopes {
		// Clients may also send several scopes separated by spaces.
		for _, field := range strings.Fields(s) {
			parsed, err := ParseScope(field)
			if err != nil {
				return nil, err
			}
			access = append(access, parsed...)
		}
	}
	return lo.Uniq(access), nil
}

// ScopeString formats the access on one resource the way clients send it
// in scope parameters.
func ScopeString(resource Resource, actions []string) string {
	typ := resource.Type
	if resource.Class != "" {
		typ = fmt.Sprintf("%s(%s)", typ, resource.Class)
	}
	actions = lo.Uniq(actions)
	sort.Strings(actions)
	return fmt.Sprintf("%s:%s:%s", typ, resource.Name, strings.Join(actions, ","))
}

// Scopes formats access as a list of scope strings, one per resource, in
// first appearance order.
func Scopes(access []Access) []string {
	var order []Resource
	byResource := lo.GroupBy(access, func(a Access) Resource { return a.Resource })
	for _, a := range access {
		if !lo.Contains(order, a.Resource) {
			order = append(order, a.Resource)
		}
	}
	return lo.Map(order, func(r Resource, _ int) string {
		return ScopeString(r, lo.Map(byResource[r], func(a Access, _ int) string { return a.Action }))
	})
}

// Implies reports whether holding granted allows action. The wildcard
// grants every action and push does not imply pull.
func Implies(granted []string, action string) bool {
	return lo.Contains(granted, ActionAll) || lo.Contains(granted, action)
}
