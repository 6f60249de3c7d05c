// Package manifest parses the manifest formats a registry stores: the legacy
// signed schema1, docker schema2 images and manifest lists, and OCI image
// manifests and indexes. Each format is a variant of Manifest and keeps the
// bytes it was parsed from.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrUnsupportedMediaType is returned when a payload claims a media type no
// variant handles.
var ErrUnsupportedMediaType = errors.New("unsupported manifest media type")

// InvalidError describes why a payload is not a valid manifest.
type InvalidError struct {
	Kind   Kind
	Reason string
}

func (e InvalidError) Error() string {
	if e.Kind == 0 {
		return "manifest invalid: " + e.Reason
	}
	return fmt.Sprintf("%s manifest invalid: %s", e.Kind, e.Reason)
}

func invalid(kind Kind, format string, args ...interface{}) error {
	return InvalidError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Manifest is the capability set shared by every variant. The set of
// variants is closed; callers switch on Kind or on the concrete type.
type Manifest interface {
	// Kind returns the variant tag.
	Kind() Kind

	// MediaType returns the media type the manifest is served with.
	MediaType() string

	// Payload returns the bytes the manifest was parsed from. They are
	// never re-serialized.
	Payload() []byte

	// Digest returns the canonical digest of Payload.
	Digest() digest.Digest

	// References returns the descriptors of the blobs or manifests this
	// manifest points at.
	References() []v1.Descriptor

	isManifest()
}

type payload struct {
	raw    []byte
	digest digest.Digest
}

func newPayload(raw []byte) payload {
	b := make([]byte, len(raw))
	copy(b, raw)
	return payload{raw: b, digest: digest.FromBytes(b)}
}

func (p payload) Payload() []byte       { return p.raw }
func (p payload) Digest() digest.Digest { return p.digest }
func (payload) isManifest()             {}

// Image is implemented by the variants that describe a single image or
// artifact: a config blob and layer blobs.
type Image interface {
	Manifest
	Config() v1.Descriptor
	Layers() []v1.Descriptor
}

// Index is implemented by the variants that list other manifests.
type Index interface {
	Manifest
	Children() []v1.Descriptor
}

// Parse decodes raw as a manifest. contentType is the media type declared by
// the client and may be empty or generic, in which case the payload itself
// decides.
func Parse(contentType string, raw []byte) (Manifest, error) {
	var versioned Versioned
	if err := json.Unmarshal(raw, &versioned); err != nil {
		return nil, invalid(0, "%v", err)
	}

	mediaType := NormalizeContentType(contentType)
	kind, known := KindOf(mediaType)
	if !known {
		kind = detectKind(versioned, raw)
		if kind == 0 {
			if mediaType != "" && mediaType != "application/json" {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
			}
			return nil, invalid(0, "unable to determine manifest type")
		}
	}

	if kind == KindSchema1Signed {
		if versioned.SchemaVersion != 1 {
			return nil, invalid(kind, "schemaVersion must be 1, got %d", versioned.SchemaVersion)
		}
		return parseSchema1(raw)
	}

	if versioned.SchemaVersion != 2 {
		return nil, invalid(kind, "schemaVersion must be 2, got %d", versioned.SchemaVersion)
	}
	if versioned.MediaType != "" && versioned.MediaType != kind.MediaType() {
		return nil, invalid(kind, "mediaType in manifest should be '%s' not '%s'", kind.MediaType(), versioned.MediaType)
	}

	switch kind {
	case KindSchema2Image:
		return parseSchema2(raw)
	case KindSchema2List:
		return parseManifestList(raw)
	case KindOCIImage:
		return parseOCIManifest(raw)
	case KindOCIIndex:
		return parseOCIIndex(raw)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
}

// detectKind guesses the variant of a payload uploaded without a precise
// content type.
func detectKind(versioned Versioned, raw []byte) Kind {
	if versioned.SchemaVersion == 1 {
		return KindSchema1Signed
	}
	if k, ok := KindOf(versioned.MediaType); ok {
		return k
	}
	if versioned.MediaType != "" {
		return 0
	}

	var doc struct {
		Config    interface{} `json:"config,omitempty"`
		Manifests interface{} `json:"manifests,omitempty"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0
	}
	switch {
	case doc.Manifests != nil && doc.Config == nil:
		return KindOCIIndex
	case doc.Config != nil && doc.Manifests == nil:
		return KindOCIImage
	}
	return 0
}

func validateDescriptor(kind Kind, field string, d v1.Descriptor) error {
	if err := d.Digest.Validate(); err != nil {
		return invalid(kind, "%s digest %q: %v", field, d.Digest, err)
	}
	if d.Size < 0 {
		return invalid(kind, "%s size must not be negative", field)
	}
	return nil
}

// ArtifactType returns the artifact type of m: the top level artifactType
// when present, otherwise the config media type of an image.
func ArtifactType(m Manifest) string {
	switch m := m.(type) {
	case *OCIManifest:
		if m.Manifest.ArtifactType != "" {
			return m.Manifest.ArtifactType
		}
		return m.Manifest.Config.MediaType
	case *OCIIndex:
		return m.Index.ArtifactType
	case *Schema2Manifest:
		return m.Manifest.Config.MediaType
	}
	return ""
}

// Subject returns the descriptor an OCI manifest or index refers to.
func Subject(m Manifest) *v1.Descriptor {
	switch m := m.(type) {
	case *OCIManifest:
		return m.Manifest.Subject
	case *OCIIndex:
		return m.Index.Subject
	}
	return nil
}

// Annotations returns the annotations carried by OCI variants.
func Annotations(m Manifest) map[string]string {
	switch m := m.(type) {
	case *OCIManifest:
		return m.Manifest.Annotations
	case *OCIIndex:
		return m.Index.Annotations
	}
	return nil
}

// LayersSize sums the sizes of the layers of an image manifest.
func LayersSize(m Manifest) int64 {
	img, ok := m.(Image)
	if !ok {
		return 0
	}
	var total int64
	for _, l := range img.Layers() {
		total += l.Size
	}
	return total
}

// Distributable reports whether a layer must be stored in the registry.
// Foreign and non-distributable layers that carry URLs are fetched by
// clients from elsewhere.
func Distributable(d v1.Descriptor) bool {
	switch d.MediaType {
	case MediaTypeForeignLayer,
		v1.MediaTypeImageLayerNonDistributable,     //nolint:staticcheck // still found in the wild
		v1.MediaTypeImageLayerNonDistributableGzip, //nolint:staticcheck
		v1.MediaTypeImageLayerNonDistributableZstd: //nolint:staticcheck
		return len(d.URLs) == 0
	}
	return true
}
