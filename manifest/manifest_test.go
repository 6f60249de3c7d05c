package manifest

import (
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	configDigest = "sha256:6b86b273ff34fce19d6b804eff5a3f5747ada4eaa22f1d49c01e52ddb7875b4b"
	layerDigest  = "sha256:d4735e3a265e16eee03f59718b9b5d03019c07d8b6c51f90da3a666eec13ab35"
	childDigest  = "sha256:4e07408562bedb8b60ce05c1decfe3ad16b72230967de01f640b7e4729b49fce"
)

var ociImage = []byte(`{
   "schemaVersion": 2,
   "mediaType": "application/vnd.oci.image.manifest.v1+json",
   "config": {
      "mediaType": "application/vnd.oci.image.config.v1+json",
      "digest": "` + configDigest + `",
      "size": 1
   },
   "layers": [
      {
         "mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
         "digest": "` + layerDigest + `",
         "size": 1
      }
   ]
}`)

var ociArtifact = []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json",` +
	`"artifactType":"application/vnd.example.sbom",` +
	`"config":{"mediaType":"application/vnd.oci.empty.v1+json","digest":"` + configDigest + `","size":2},` +
	`"layers":[],` +
	`"subject":{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` + childDigest + `","size":10},` +
	`"annotations":{"org.example":"yes"}}`)

var ociIndex = []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json",` +
	`"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` + childDigest + `","size":10,` +
	`"platform":{"architecture":"amd64","os":"linux"}}]}`)

var schema2 = []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json",` +
	`"config":{"mediaType":"application/vnd.docker.container.image.v1+json","digest":"` + configDigest + `","size":1},` +
	`"layers":[{"mediaType":"application/vnd.docker.image.rootfs.diff.tar.gzip","digest":"` + layerDigest + `","size":1},` +
	`{"mediaType":"application/vnd.docker.image.rootfs.foreign.diff.tar.gzip","digest":"` + childDigest + `","size":1,"urls":["https://example.com/l"]}]}`)

var manifestList = []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.list.v2+json",` +
	`"manifests":[{"mediaType":"application/vnd.docker.distribution.manifest.v2+json","digest":"` + childDigest + `","size":10,` +
	`"platform":{"architecture":"arm64","os":"linux"}}]}`)

var signedSchema1 = []byte(`{"schemaVersion":1,"name":"library/app","tag":"v1","architecture":"amd64",` +
	`"fsLayers":[{"blobSum":"` + layerDigest + `"},{"blobSum":"` + configDigest + `"},{"blobSum":"` + layerDigest + `"}],` +
	`"history":[{"v1Compatibility":"{}"},{"v1Compatibility":"{}"},{"v1Compatibility":"{}"}],` +
	`"signatures":[{"header":{"alg":"ES256"},"signature":"c2ln","protected":"cHJvdA"}]}`)

func TestParseKinds(t *testing.T) {
	for _, tc := range []struct {
		name        string
		contentType string
		raw         []byte
		kind        Kind
	}{
		{"oci image", v1.MediaTypeImageManifest, ociImage, KindOCIImage},
		{"oci image with params", v1.MediaTypeImageManifest + "; charset=utf-8", ociImage, KindOCIImage},
		{"oci image detected", "", ociImage, KindOCIImage},
		{"oci index", v1.MediaTypeImageIndex, ociIndex, KindOCIIndex},
		{"schema2", MediaTypeSchema2, schema2, KindSchema2Image},
		{"schema2 detected from payload", "application/json", schema2, KindSchema2Image},
		{"manifest list", MediaTypeManifestList, manifestList, KindSchema2List},
		{"signed schema1", MediaTypeSignedSchema1, signedSchema1, KindSchema1Signed},
		{"unsigned schema1 type", MediaTypeSchema1, signedSchema1, KindSchema1Signed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse(tc.contentType, tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, m.Kind())
			assert.Equal(t, tc.kind.MediaType(), m.MediaType())
			assert.Equal(t, tc.raw, m.Payload())
			assert.Equal(t, digest.FromBytes(tc.raw), m.Digest())
			assert.Equal(t, tc.kind.IsIndex(), isIndex(m))
		})
	}
}

func isIndex(m Manifest) bool {
	_, ok := m.(Index)
	return ok
}

func TestParseInvalid(t *testing.T) {
	for _, tc := range []struct {
		name        string
		contentType string
		raw         string
	}{
		{"not json", v1.MediaTypeImageManifest, `{`},
		{"wrong schema version", v1.MediaTypeImageManifest, `{"schemaVersion":1,"config":{"digest":"` + configDigest + `"}}`},
		{"mismatched media type", v1.MediaTypeImageManifest, `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json","manifests":[]}`},
		{"index posted as image", v1.MediaTypeImageManifest, `{"schemaVersion":2,"manifests":[]}`},
		{"image posted as index", v1.MediaTypeImageIndex, `{"schemaVersion":2,"config":{"digest":"` + configDigest + `"}}`},
		{"missing config", v1.MediaTypeImageManifest, `{"schemaVersion":2,"layers":[]}`},
		{"bad layer digest", v1.MediaTypeImageManifest, `{"schemaVersion":2,"config":{"digest":"` + configDigest + `"},"layers":[{"digest":"sha256:abc"}]}`},
		{"negative size", v1.MediaTypeImageManifest, `{"schemaVersion":2,"config":{"digest":"` + configDigest + `","size":-1}}`},
		{"bad subject", v1.MediaTypeImageManifest, `{"schemaVersion":2,"config":{"digest":"` + configDigest + `"},"subject":{"digest":"nope"}}`},
		{"schema1 without layers", MediaTypeSignedSchema1, `{"schemaVersion":1,"fsLayers":[]}`},
		{"undetectable", "", `{"schemaVersion":2}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.contentType, []byte(tc.raw))
			require.Error(t, err)
			var invalidErr InvalidError
			assert.True(t, errors.As(err, &invalidErr), "unexpected error type %T: %v", err, err)
		})
	}
}

func TestParseUnsupportedMediaType(t *testing.T) {
	_, err := Parse("application/vnd.example.thing+json", []byte(`{"schemaVersion":2}`))
	require.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestArtifactTypeAndSubject(t *testing.T) {
	m, err := Parse(v1.MediaTypeImageManifest, ociArtifact)
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.example.sbom", ArtifactType(m))
	require.NotNil(t, Subject(m))
	assert.Equal(t, digest.Digest(childDigest), Subject(m).Digest)
	assert.Equal(t, map[string]string{"org.example": "yes"}, Annotations(m))

	m, err = Parse(v1.MediaTypeImageManifest, ociImage)
	require.NoError(t, err)
	assert.Equal(t, v1.MediaTypeImageConfig, ArtifactType(m))
	assert.Nil(t, Subject(m))
	assert.Equal(t, int64(1), LayersSize(m))
}

func TestReferences(t *testing.T) {
	m, err := Parse(MediaTypeSchema2, schema2)
	require.NoError(t, err)
	refs := m.References()
	require.Len(t, refs, 3)
	assert.Equal(t, digest.Digest(configDigest), refs[0].Digest)
	assert.True(t, Distributable(refs[1]))
	assert.False(t, Distributable(refs[2]))

	m, err = Parse(MediaTypeSignedSchema1, signedSchema1)
	require.NoError(t, err)
	refs = m.References()
	require.Len(t, refs, 2)
	assert.Equal(t, digest.Digest(layerDigest), refs[0].Digest)
	assert.Equal(t, digest.Digest(configDigest), refs[1].Digest)

	m, err = Parse(MediaTypeManifestList, manifestList)
	require.NoError(t, err)
	children := m.(Index).Children()
	require.Len(t, children, 1)
	assert.Equal(t, "arm64", children[0].Platform.Architecture)
}

func TestPayloadIsCopied(t *testing.T) {
	raw := append([]byte(nil), ociImage...)
	m, err := Parse(v1.MediaTypeImageManifest, raw)
	require.NoError(t, err)
	raw[0] = ' '
	assert.Equal(t, ociImage, m.Payload())
}

func TestNormalizeContentType(t *testing.T) {
	assert.Equal(t, "application/json", NormalizeContentType(" Application/JSON ; charset=utf-8"))
	assert.Equal(t, "", NormalizeContentType(""))
}
