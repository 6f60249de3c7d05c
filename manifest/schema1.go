package manifest

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// FSLayer is a container struct for BlobSums defined in an image manifest.
type FSLayer struct {
	BlobSum digest.Digest `json:"blobSum"`
}

// Schema1Manifest is a legacy signed manifest. It is accepted for reading
// and rejected on push; signatures are kept as part of the payload and are
// not verified.
type Schema1Manifest struct {
	payload

	Name         string    `json:"name"`
	Tag          string    `json:"tag"`
	Architecture string    `json:"architecture"`
	FSLayers     []FSLayer `json:"fsLayers"`
	History      []struct {
		V1Compatibility string `json:"v1Compatibility"`
	} `json:"history"`
}

func parseSchema1(raw []byte) (*Schema1Manifest, error) {
	m := &Schema1Manifest{payload: newPayload(raw)}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, invalid(KindSchema1Signed, "%v", err)
	}
	if len(m.FSLayers) == 0 {
		return nil, invalid(KindSchema1Signed, "fsLayers must not be empty")
	}
	if len(m.History) != 0 && len(m.History) != len(m.FSLayers) {
		return nil, invalid(KindSchema1Signed, "length of history not equal to number of layers")
	}
	for _, l := range m.FSLayers {
		if err := l.BlobSum.Validate(); err != nil {
			return nil, invalid(KindSchema1Signed, "blobSum %q: %v", l.BlobSum, err)
		}
	}
	return m, nil
}

func (*Schema1Manifest) Kind() Kind { return KindSchema1Signed }

func (*Schema1Manifest) MediaType() string { return MediaTypeSignedSchema1 }

// References returns the layers without duplicates, oldest first.
func (m *Schema1Manifest) References() []v1.Descriptor {
	seen := make(map[digest.Digest]struct{}, len(m.FSLayers))
	refs := make([]v1.Descriptor, 0, len(m.FSLayers))
	for i := len(m.FSLayers) - 1; i >= 0; i-- {
		d := m.FSLayers[i].BlobSum
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		refs = append(refs, v1.Descriptor{MediaType: MediaTypeLayer, Digest: d})
	}
	return refs
}
