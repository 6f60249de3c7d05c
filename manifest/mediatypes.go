package manifest

import (
	"mime"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// MediaTypeSignedSchema1 specifies the mediaType for the legacy signed
	// image manifest.
	MediaTypeSignedSchema1 = "application/vnd.docker.distribution.manifest.v1+prettyjws"

	// MediaTypeSchema1 specifies the mediaType for the legacy unsigned image
	// manifest.
	MediaTypeSchema1 = "application/vnd.docker.distribution.manifest.v1+json"

	// MediaTypeSchema2 specifies the mediaType for the current version.
	MediaTypeSchema2 = "application/vnd.docker.distribution.manifest.v2+json"

	// MediaTypeManifestList specifies the mediaType for manifest lists.
	MediaTypeManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	// MediaTypeImageConfig specifies the mediaType for the image configuration.
	MediaTypeImageConfig = "application/vnd.docker.container.image.v1+json"

	// MediaTypeLayer is the mediaType used for layers referenced by the
	// manifest.
	MediaTypeLayer = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	// MediaTypeForeignLayer is the mediaType used for layers that must be
	// downloaded from foreign URLs.
	MediaTypeForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// Kind tags the variant a parsed manifest belongs to.
type Kind int

const (
	KindSchema1Signed Kind = iota + 1
	KindSchema2Image
	KindSchema2List
	KindOCIImage
	KindOCIIndex
)

var kindMediaTypes = map[Kind]string{
	KindSchema1Signed: MediaTypeSignedSchema1,
	KindSchema2Image:  MediaTypeSchema2,
	KindSchema2List:   MediaTypeManifestList,
	KindOCIImage:      v1.MediaTypeImageManifest,
	KindOCIIndex:      v1.MediaTypeImageIndex,
}

func (k Kind) String() string {
	switch k {
	case KindSchema1Signed:
		return "schema1"
	case KindSchema2Image:
		return "schema2"
	case KindSchema2List:
		return "manifestlist"
	case KindOCIImage:
		return "oci-image"
	case KindOCIIndex:
		return "oci-index"
	}
	return "unknown"
}

// MediaType returns the media type manifests of this kind are served with.
func (k Kind) MediaType() string {
	return kindMediaTypes[k]
}

// IsIndex reports whether manifests of this kind list other manifests.
func (k Kind) IsIndex() bool {
	return k == KindSchema2List || k == KindOCIIndex
}

// KindOf maps a manifest media type to its kind. The unsigned schema1 type
// is folded into the signed one.
func KindOf(mediaType string) (Kind, bool) {
	switch mediaType {
	case MediaTypeSignedSchema1, MediaTypeSchema1:
		return KindSchema1Signed, true
	}
	for k, mt := range kindMediaTypes {
		if mt == mediaType {
			return k, true
		}
	}
	return 0, false
}

// MediaTypes returns every manifest media type the registry understands.
func MediaTypes() []string {
	return []string{
		MediaTypeSignedSchema1,
		MediaTypeSchema2,
		MediaTypeManifestList,
		v1.MediaTypeImageManifest,
		v1.MediaTypeImageIndex,
	}
}

// NormalizeContentType strips parameters and whitespace from a Content-Type
// or Accept entry.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
