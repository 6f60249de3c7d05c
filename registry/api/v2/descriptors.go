package v2

import (
	"net/http"

	"github.com/opencontainers/go-digest"
)

// The following are definitions of the name under which all V2 routes are
// registered. These symbols can be used to look up a route based on the name.
const (
	RouteNameBase            = "base"
	RouteNameAuth            = "auth"
	RouteNameCatalog         = "catalog"
	RouteNameTags            = "tags"
	RouteNameManifest        = "manifest"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
	RouteNameReferrers       = "referrers"
	RouteNameTagHistory      = "tag-history"
	RouteNameTagImmutable    = "tag-immutable"
	RouteNameTagExpiration   = "tag-expiration"
)

// Scope names the access a route needs on the repository in its path.
type Scope string

const (
	// ScopeNone routes are reachable without a repository grant.
	ScopeNone Scope = ""
	// ScopePull needs pull on the repository.
	ScopePull Scope = "pull"
	// ScopePush needs push on the repository.
	ScopePush Scope = "push"
	// ScopeAdmin needs the wildcard action on the repository.
	ScopeAdmin Scope = "*"
	// ScopeCatalog needs registry:catalog:*.
	ScopeCatalog Scope = "catalog"
)

// RouteDescriptor describes a route specified by name.
type RouteDescriptor struct {
	// Name is the name of the route, as specified in RouteNameXXX exports.
	// These names a should be considered a unique reference for a route. If
	// the route is registered with gorilla, this is the name that will be
	// used.
	Name string

	// Path is a gorilla/mux-compatible regexp that can be used to match the
	// route. For any incoming method and path, only one route descriptor
	// should match.
	Path string

	// Entity should be a short, human-readalbe description of the object
	// targeted by the endpoint.
	Entity string

	// Description should provide an accurate overview of the functionality
	// provided by the route.
	Description string

	// Methods should describe the various HTTP methods that may be used on
	// this route, including request and response formats.
	Methods []MethodDescriptor
}

// MethodDescriptor provides a description of the requests that may be
// conducted with the target method.
type MethodDescriptor struct {
	// Method is an HTTP method, such as GET, PUT or POST.
	Method string

	// Scope is the access required on the named repository.
	Scope Scope

	// Success is the status of a successful response.
	Success int
}

var (
	namePath      = "{name:" + routeNameRegexp.String() + "}"
	referencePath = "{reference:" + routeReferenceRegexp.String() + "}"
	digestPath    = "{digest:" + digest.DigestRegexp.String() + "}"
	tagPath       = "{tag:" + routeReferenceRegexp.String() + "}"
)

var routeDescriptors = []RouteDescriptor{
	{
		Name:        RouteNameBase,
		Path:        "/v2/",
		Entity:      "Base",
		Description: `Base V2 API route. Typically, this can be used for lightweight version checks and to validate registry authorization.`,
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopeNone, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameAuth,
		Path:        "/v2/auth",
		Entity:      "Token",
		Description: "Issue a bearer token for the requested scopes.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopeNone, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameCatalog,
		Path:        "/v2/_catalog",
		Entity:      "Catalog",
		Description: "List a set of available repositories in the local registry cluster.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopeCatalog, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameTags,
		Path:        "/v2/" + namePath + "/tags/list",
		Entity:      "Tags",
		Description: "Retrieve information about tags.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopePull, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameManifest,
		Path:        "/v2/" + namePath + "/manifests/" + referencePath,
		Entity:      "Manifest",
		Description: "Create, update, delete and retrieve manifests.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopePull, Success: http.StatusOK},
			{Method: http.MethodHead, Scope: ScopePull, Success: http.StatusOK},
			{Method: http.MethodPut, Scope: ScopePush, Success: http.StatusCreated},
			{Method: http.MethodDelete, Scope: ScopePush, Success: http.StatusAccepted},
		},
	},
	{
		Name:        RouteNameBlob,
		Path:        "/v2/" + namePath + "/blobs/" + digestPath,
		Entity:      "Blob",
		Description: "Operations on blobs identified by `name` and `digest`. Used to fetch layers by digest.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopePull, Success: http.StatusOK},
			{Method: http.MethodHead, Scope: ScopePull, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameBlobUpload,
		Path:        "/v2/" + namePath + "/blobs/uploads/",
		Entity:      "Initiate Blob Upload",
		Description: "Initiate a blob upload. This endpoint can be used to create resumable uploads or monolithic uploads.",
		Methods: []MethodDescriptor{
			{Method: http.MethodPost, Scope: ScopePush, Success: http.StatusAccepted},
		},
	},
	{
		Name:        RouteNameBlobUploadChunk,
		Path:        "/v2/" + namePath + "/blobs/uploads/{uuid:[a-zA-Z0-9-_.=]+}",
		Entity:      "Blob Upload",
		Description: "Interact with blob uploads. Clients should never assemble URLs for this endpoint and should only take it through the `Location` header on related API requests.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopePush, Success: http.StatusNoContent},
			{Method: http.MethodPatch, Scope: ScopePush, Success: http.StatusAccepted},
			{Method: http.MethodPut, Scope: ScopePush, Success: http.StatusCreated},
			{Method: http.MethodDelete, Scope: ScopePush, Success: http.StatusNoContent},
		},
	},
	{
		Name:        RouteNameReferrers,
		Path:        "/v2/" + namePath + "/referrers/" + digestPath,
		Entity:      "Referrers",
		Description: "List the manifests whose subject is the given digest.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopePull, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameTagHistory,
		Path:        "/v2/" + namePath + "/_tags/" + tagPath + "/history",
		Entity:      "Tag History",
		Description: "List every recorded target of a tag with its lifetime bounds.",
		Methods: []MethodDescriptor{
			{Method: http.MethodGet, Scope: ScopePull, Success: http.StatusOK},
		},
	},
	{
		Name:        RouteNameTagImmutable,
		Path:        "/v2/" + namePath + "/_tags/" + tagPath + "/immutable",
		Entity:      "Tag Immutability",
		Description: "Set or clear the immutable flag of the active tag.",
		Methods: []MethodDescriptor{
			{Method: http.MethodPut, Scope: ScopeAdmin, Success: http.StatusNoContent},
			{Method: http.MethodDelete, Scope: ScopeAdmin, Success: http.StatusNoContent},
		},
	},
	{
		Name:        RouteNameTagExpiration,
		Path:        "/v2/" + namePath + "/_tags/" + tagPath + "/expiration",
		Entity:      "Tag Expiration",
		Description: "Schedule or clear the end of the active tag's lifetime.",
		Methods: []MethodDescriptor{
			{Method: http.MethodPut, Scope: ScopePush, Success: http.StatusNoContent},
		},
	},
}

var routeDescriptorsMap map[string]RouteDescriptor

func init() {
	routeDescriptorsMap = make(map[string]RouteDescriptor, len(routeDescriptors))

	for _, descriptor := range routeDescriptors {
		routeDescriptorsMap[descriptor.Name] = descriptor
	}
}

// RouteDescriptors returns every route the API exposes.
func RouteDescriptors() []RouteDescriptor {
	return append([]RouteDescriptor(nil), routeDescriptors...)
}

// MethodScope returns the access the method on the named route requires and
// whether the route supports the method at all.
func MethodScope(routeName, method string) (Scope, bool) {
	descriptor, ok := routeDescriptorsMap[routeName]
	if !ok {
		return ScopeNone, false
	}
	for _, md := range descriptor.Methods {
		if md.Method == method {
			return md.Scope, true
		}
	}
	return ScopeNone, false
}
