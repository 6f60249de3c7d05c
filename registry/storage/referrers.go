package storage

import (
	"context"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockyard/registry/registry/storage/metadata"
)

// Referrers returns descriptors of the manifests whose subject is dgst. A
// non-empty artifactType keeps only manifests of that type.
func (ms *ManifestStore) Referrers(ctx context.Context, dgst digest.Digest, artifactType string) ([]v1.Descriptor, error) {
	referrers := []v1.Descriptor{}
	err := ms.repository.registry.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ms.repository.name)
		if err == ErrRepositoryUnknown {
			return nil
		} else if err != nil {
			return err
		}
		q := bstore.QueryTx[metadata.Manifest](tx).FilterNonzero(metadata.Manifest{RepositoryID: repo.ID, SubjectDigest: dgst.String()})
		if artifactType != "" {
			q.FilterEqual("ArtifactType", artifactType)
		}
		return q.SortAsc("ID").ForEach(func(m metadata.Manifest) error {
			referrers = append(referrers, v1.Descriptor{
				MediaType:    m.MediaType,
				Digest:       digest.Digest(m.Digest),
				Size:         int64(len(m.Raw)),
				ArtifactType: m.ArtifactType,
				Annotations:  m.Annotations,
			})
			return nil
		})
	})
	return referrers, err
}
