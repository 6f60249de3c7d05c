package v2

import (
	"errors"
	"regexp"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// RepositoryNameComponentRegexp restricts registry path component names to
// start with at least one letter or number, with following parts able to
// be separated by one period, dash or underscore.
var RepositoryNameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*`)

// RepositoryNameComponentAnchoredRegexp is the version of
// RepositoryNameComponentRegexp which must completely match the content
var RepositoryNameComponentAnchoredRegexp = regexp.MustCompile(`^` + RepositoryNameComponentRegexp.String() + `$`)

// RepositoryNameRegexp builds on RepositoryNameComponentRegexp to allow
// multiple path components, separated by a forward slash.
var RepositoryNameRegexp = regexp.MustCompile(`(?:` + RepositoryNameComponentRegexp.String() + `/)*` + RepositoryNameComponentRegexp.String())

// routeNameRegexp is deliberately looser than RepositoryNameRegexp so that
// malformed names reach the handlers and are answered with NAME_INVALID
// instead of a bare 404.
var routeNameRegexp = regexp.MustCompile(`[A-Za-z0-9._:-]+(?:/[A-Za-z0-9._:-]+)*`)

// routeReferenceRegexp matches either a tag or a digest; handlers tell them
// apart and validate each.
var routeReferenceRegexp = regexp.MustCompile(`[A-Za-z0-9_+.:=-]+`)

// TagNameAnchoredRegexp matches valid tag names, anchored at the start and
// end of the matched string.
var TagNameAnchoredRegexp = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

// RepositoryNameTotalLengthMax is the maximum total number of characters in
// a repository name.
const RepositoryNameTotalLengthMax = reference.NameTotalLengthMax

var (
	// ErrRepositoryNameEmpty is returned for empty, invalid repository names.
	ErrRepositoryNameEmpty = errors.New("repository name must have at least one component")

	// ErrRepositoryNameLong is returned when a repository name is longer than
	// RepositoryNameTotalLengthMax
	ErrRepositoryNameLong = errors.New("repository name must not be more than 255 characters")

	// ErrRepositoryNameComponentInvalid is returned when a repository name does
	// not match RepositoryNameComponentRegexp
	ErrRepositoryNameComponentInvalid = errors.New("repository name component must match " + RepositoryNameComponentRegexp.String())

	// ErrTagInvalid is returned when a tag does not match
	// TagNameAnchoredRegexp.
	ErrTagInvalid = errors.New("tag must match " + reference.TagRegexp.String())
)

// ValidateRepositoryName ensures the repository name is valid for use in the
// registry. This function accepts a superset of what might be accepted by
// docker core or docker hub. If the name does not pass validation, an error,
// describing the conditions, is returned.
//
// Effectively, the name should comply with the following grammar:
//
//	alpha-numeric := /[a-z0-9]+/
//	separator := /[._-]/
//	component := alpha-numeric [separator alpha-numeric]*
//	namespace := component ['/' component]*
//
// The result of the production, known as the "namespace", should be limited
// to 255 characters.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}

	if len(name) > RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}

	components := strings.Split(name, "/")

	for _, component := range components {
		if !RepositoryNameComponentAnchoredRegexp.MatchString(component) {
			return ErrRepositoryNameComponentInvalid
		}
	}

	return nil
}

// ValidateTag reports whether tag is a valid tag name.
func ValidateTag(tag string) error {
	if !TagNameAnchoredRegexp.MatchString(tag) {
		return ErrTagInvalid
	}
	return nil
}

// ParseReference splits a manifest reference into a tag or a digest. A
// reference containing a colon is treated as a digest and must parse as one.
func ParseReference(ref string) (tag string, dgst digest.Digest, err error) {
	if strings.Contains(ref, ":") {
		dgst, err = digest.Parse(ref)
		if err != nil {
			return "", "", err
		}
		return "", dgst, nil
	}
	if err := ValidateTag(ref); err != nil {
		return "", "", err
	}
	return ref, "", nil
}
