package manifest

import (
	"encoding/json"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// OCIManifest is an OCI image manifest. With an artifactType or a subject it
// also describes artifacts such as signatures and SBOMs.
type OCIManifest struct {
	payload

	Manifest v1.Manifest
}

func parseOCIManifest(raw []byte) (*OCIManifest, error) {
	m := &OCIManifest{payload: newPayload(raw)}
	if err := json.Unmarshal(raw, &m.Manifest); err != nil {
		return nil, invalid(KindOCIImage, "%v", err)
	}
	if err := validateImage(KindOCIImage, raw, m.Manifest); err != nil {
		return nil, err
	}
	if m.Manifest.Subject != nil {
		if err := validateDescriptor(KindOCIImage, "subject", *m.Manifest.Subject); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (*OCIManifest) Kind() Kind { return KindOCIImage }

func (*OCIManifest) MediaType() string { return v1.MediaTypeImageManifest }

func (m *OCIManifest) Config() v1.Descriptor { return m.Manifest.Config }

func (m *OCIManifest) Layers() []v1.Descriptor { return m.Manifest.Layers }

// References returns the config followed by the layers. The subject is not a
// reference; it may point at a manifest that does not exist yet.
func (m *OCIManifest) References() []v1.Descriptor {
	return imageReferences(m.Manifest)
}

// OCIIndex is an OCI image index.
type OCIIndex struct {
	payload

	Index v1.Index
}

func parseOCIIndex(raw []byte) (*OCIIndex, error) {
	m := &OCIIndex{payload: newPayload(raw)}
	if err := json.Unmarshal(raw, &m.Index); err != nil {
		return nil, invalid(KindOCIIndex, "%v", err)
	}
	if err := validateIndex(KindOCIIndex, raw, m.Index); err != nil {
		return nil, err
	}
	if m.Index.Subject != nil {
		if err := validateDescriptor(KindOCIIndex, "subject", *m.Index.Subject); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (*OCIIndex) Kind() Kind { return KindOCIIndex }

func (*OCIIndex) MediaType() string { return v1.MediaTypeImageIndex }

func (m *OCIIndex) Children() []v1.Descriptor { return m.Index.Manifests }

func (m *OCIIndex) References() []v1.Descriptor { return m.Index.Manifests }

// validateImage checks that raw really is an image manifest and that its
// descriptors are well formed.
func validateImage(kind Kind, raw []byte, m v1.Manifest) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return invalid(kind, "%v", err)
	}
	if _, ok := doc["manifests"]; ok {
		return invalid(kind, "expected manifest but found index")
	}
	if _, ok := doc["config"]; !ok {
		return invalid(kind, "config is required")
	}
	if err := validateDescriptor(kind, "config", m.Config); err != nil {
		return err
	}
	for _, l := range m.Layers {
		if err := validateDescriptor(kind, "layer", l); err != nil {
			return err
		}
	}
	return nil
}

func validateIndex(kind Kind, raw []byte, idx v1.Index) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return invalid(kind, "%v", err)
	}
	if _, ok := doc["config"]; ok {
		return invalid(kind, "expected index but found manifest")
	}
	if _, ok := doc["manifests"]; !ok {
		return invalid(kind, "manifests is required")
	}
	for _, c := range idx.Manifests {
		if err := validateDescriptor(kind, "manifest", c); err != nil {
			return err
		}
	}
	return nil
}

func imageReferences(m v1.Manifest) []v1.Descriptor {
	refs := make([]v1.Descriptor, 0, len(m.Layers)+1)
	refs = append(refs, m.Config)
	return append(refs, m.Layers...)
}
