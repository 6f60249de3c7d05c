package manifest

import (
	"encoding/json"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Schema2Manifest is a docker image manifest.
type Schema2Manifest struct {
	payload

	// Manifest is decoded with the OCI struct; the docker format is a
	// field-compatible subset.
	Manifest v1.Manifest
}

func parseSchema2(raw []byte) (*Schema2Manifest, error) {
	m := &Schema2Manifest{payload: newPayload(raw)}
	if err := json.Unmarshal(raw, &m.Manifest); err != nil {
		return nil, invalid(KindSchema2Image, "%v", err)
	}
	if err := validateImage(KindSchema2Image, raw, m.Manifest); err != nil {
		return nil, err
	}
	return m, nil
}

func (*Schema2Manifest) Kind() Kind { return KindSchema2Image }

func (*Schema2Manifest) MediaType() string { return MediaTypeSchema2 }

func (m *Schema2Manifest) Config() v1.Descriptor { return m.Manifest.Config }

func (m *Schema2Manifest) Layers() []v1.Descriptor { return m.Manifest.Layers }

// References returns the config followed by the layers.
func (m *Schema2Manifest) References() []v1.Descriptor {
	return imageReferences(m.Manifest)
}

// ManifestList is a docker manifest list.
type ManifestList struct {
	payload

	Index v1.Index
}

func parseManifestList(raw []byte) (*ManifestList, error) {
	m := &ManifestList{payload: newPayload(raw)}
	if err := json.Unmarshal(raw, &m.Index); err != nil {
		return nil, invalid(KindSchema2List, "%v", err)
	}
	if err := validateIndex(KindSchema2List, raw, m.Index); err != nil {
		return nil, err
	}
	return m, nil
}

func (*ManifestList) Kind() Kind { return KindSchema2List }

func (*ManifestList) MediaType() string { return MediaTypeManifestList }

func (m *ManifestList) Children() []v1.Descriptor { return m.Index.Manifests }

func (m *ManifestList) References() []v1.Descriptor { return m.Index.Manifests }
