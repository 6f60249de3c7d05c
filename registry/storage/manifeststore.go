package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/manifest"
	"github.com/dockyard/registry/registry/storage/metadata"
)

// errSchema1Push rejects new legacy manifests; stored ones are still served.
var errSchema1Push = errors.New("schema1 manifests are no longer accepted")

// ManifestInfo is a manifest as stored.
type ManifestInfo struct {
	Digest       digest.Digest
	MediaType    string
	Payload      []byte
	ArtifactType string
	Subject      digest.Digest
	Annotations  map[string]string
}

func manifestInfo(m metadata.Manifest) ManifestInfo {
	return ManifestInfo{
		Digest:       digest.Digest(m.Digest),
		MediaType:    m.MediaType,
		Payload:      m.Raw,
		ArtifactType: m.ArtifactType,
		Subject:      digest.Digest(m.SubjectDigest),
		Annotations:  m.Annotations,
	}
}

// ManifestStore stores the manifests of a repository.
type ManifestStore struct {
	repository *Repository
}

// Put stores m and, when tag is not empty, points tag at it. Everything
// happens in one transaction: either the manifest is stored, its blob links
// made permanent and the tag moved, or nothing changes.
func (ms *ManifestStore) Put(ctx context.Context, m manifest.Manifest, tag string) (digest.Digest, error) {
	if m.Kind() == manifest.KindSchema1Signed {
		return "", ErrManifestInvalid{Reason: errSchema1Push}
	}

	reg := ms.repository.registry
	dgst := m.Digest()
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := ensureRepository(tx, ms.repository.name)
		if err != nil {
			return err
		}

		blobs, err := ms.verifyReferencesTx(tx, repo.ID, m)
		if err != nil {
			return err
		}

		exists, err := bstore.QueryTx[metadata.Manifest](tx).FilterNonzero(metadata.Manifest{RepositoryID: repo.ID, Digest: dgst.String()}).Exists()
		if err != nil {
			return err
		}
		if !exists {
			if err := ms.insertTx(tx, repo.ID, m, blobs); err != nil {
				return err
			}
		}

		if tag != "" {
			return retargetTx(tx, repo.ID, tag, dgst.String(), reg.now().UnixMilli())
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"digest":    dgst,
		"mediatype": m.MediaType(),
		"tag":       tag,
	}).Debug("manifest stored")
	return dgst, nil
}

// verifyReferencesTx checks that the blobs of an image, or the manifests of
// an index, are present in the repository. It returns the digests of the
// stored blobs the manifest references.
func (ms *ManifestStore) verifyReferencesTx(tx *bstore.Tx, repoID int64, m manifest.Manifest) ([]string, error) {
	now := ms.repository.registry.now()

	switch m := m.(type) {
	case manifest.Index:
		for _, child := range m.Children() {
			exists, err := bstore.QueryTx[metadata.Manifest](tx).FilterNonzero(metadata.Manifest{RepositoryID: repoID, Digest: child.Digest.String()}).Exists()
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, ErrManifestBlobUnknown{Digest: child.Digest}
			}
		}
		return nil, nil

	case manifest.Image:
		var blobs []string
		seen := map[digest.Digest]bool{}
		for _, ref := range m.References() {
			if !manifest.Distributable(ref) || seen[ref.Digest] {
				continue
			}
			seen[ref.Digest] = true

			link, err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{RepositoryID: repoID, Digest: ref.Digest.String()}).Get()
			if errors.Is(err, bstore.ErrAbsent) || (err == nil && !link.Alive(now)) {
				return nil, ErrManifestBlobUnknown{Digest: ref.Digest}
			} else if err != nil {
				return nil, err
			}
			blobs = append(blobs, link.Digest)
		}
		return blobs, nil
	}

	return nil, ErrManifestInvalid{Reason: fmt.Errorf("unsupported manifest kind %s", m.Kind())}
}

func (ms *ManifestStore) insertTx(tx *bstore.Tx, repoID int64, m manifest.Manifest, blobs []string) error {
	row := metadata.Manifest{
		RepositoryID: repoID,
		Digest:       m.Digest().String(),
		MediaType:    m.MediaType(),
		Raw:          m.Payload(),
		ArtifactType: manifest.ArtifactType(m),
		Annotations:  manifest.Annotations(m),
		LayersSize:   manifest.LayersSize(m),
	}
	if subject := manifest.Subject(m); subject != nil {
		row.SubjectDigest = subject.Digest.String()
	}
	if err := tx.Insert(&row); err != nil {
		return fmt.Errorf("inserting manifest %s: %w", row.Digest, err)
	}

	for _, b := range blobs {
		if err := tx.Insert(&metadata.ManifestBlob{RepositoryID: repoID, ManifestDigest: row.Digest, BlobDigest: b}); err != nil {
			return err
		}
		if err := promoteLinkTx(tx, repoID, b); err != nil {
			return err
		}
	}

	if idx, ok := m.(manifest.Index); ok {
		for _, child := range idx.Children() {
			edge := metadata.ManifestChild{
				RepositoryID: repoID,
				ParentDigest: row.Digest,
				ChildDigest:  child.Digest.String(),
			}
			if child.Platform != nil {
				edge.Architecture = child.Platform.Architecture
				edge.OS = child.Platform.OS
			}
			if err := tx.Insert(&edge); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns the manifest with the given digest.
func (ms *ManifestStore) Get(ctx context.Context, dgst digest.Digest) (ManifestInfo, error) {
	var info ManifestInfo
	err := ms.repository.registry.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ms.repository.name)
		if err != nil {
			return err
		}
		row, err := manifestTx(tx, repo.ID, dgst.String())
		if err != nil {
			return err
		}
		info = manifestInfo(row)
		return nil
	})
	return info, err
}

// GetByTag resolves tag and returns the manifest it points at.
func (ms *ManifestStore) GetByTag(ctx context.Context, tag string) (ManifestInfo, error) {
	var info ManifestInfo
	err := ms.repository.registry.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ms.repository.name)
		if err != nil {
			return err
		}
		_, t, err := ms.repository.Tags().activeTx(tx, repo.ID, tag)
		if err == ErrTagUnknown {
			return ErrManifestUnknown
		} else if err != nil {
			return err
		}
		row, err := manifestTx(tx, repo.ID, t.ManifestDigest)
		if err != nil {
			return err
		}
		info = manifestInfo(row)
		return nil
	})
	return info, err
}

func manifestTx(tx *bstore.Tx, repoID int64, dgst string) (metadata.Manifest, error) {
	row, err := bstore.QueryTx[metadata.Manifest](tx).FilterNonzero(metadata.Manifest{RepositoryID: repoID, Digest: dgst}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return row, ErrManifestUnknown
	}
	return row, err
}

// Delete removes a manifest and closes the tags pointing at it. A manifest
// still listed by an index of the repository, or held by an immutable tag,
// is not deleted. Blobs only this manifest referenced go back to temporary
// links and are collected once those expire.
func (ms *ManifestStore) Delete(ctx context.Context, dgst digest.Digest) error {
	reg := ms.repository.registry
	return reg.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ms.repository.name)
		if err == ErrRepositoryUnknown {
			return ErrManifestUnknown
		} else if err != nil {
			return err
		}
		return ms.deleteTx(tx, repo.ID, dgst)
	})
}

func (ms *ManifestStore) deleteTx(tx *bstore.Tx, repoID int64, dgst digest.Digest) error {
	reg := ms.repository.registry
	now := reg.now()
	nowMs := now.UnixMilli()

	row, err := manifestTx(tx, repoID, dgst.String())
	if err != nil {
		return err
	}

	parent, err := bstore.QueryTx[metadata.ManifestChild](tx).FilterNonzero(metadata.ManifestChild{RepositoryID: repoID, ChildDigest: row.Digest}).Get()
	if err == nil {
		return ErrManifestReferenced{Digest: dgst, By: "index " + parent.ParentDigest}
	} else if !errors.Is(err, bstore.ErrAbsent) {
		return err
	}

	type pointed struct {
		active metadata.ActiveTag
		row    metadata.Tag
	}
	var tags []pointed
	err = bstore.QueryTx[metadata.ActiveTag](tx).FilterNonzero(metadata.ActiveTag{RepositoryID: repoID}).ForEach(func(active metadata.ActiveTag) error {
		t := metadata.Tag{ID: active.TagID}
		if err := tx.Get(&t); err != nil {
			return err
		}
		if t.ManifestDigest == row.Digest && t.Alive(nowMs) {
			tags = append(tags, pointed{active, t})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range tags {
		if p.row.Immutable {
			return ErrManifestReferenced{Digest: dgst, By: "immutable tag " + p.row.Name}
		}
	}
	for _, p := range tags {
		if err := closeTagTx(tx, p.active, p.row, nowMs); err != nil {
			return err
		}
	}

	var blobs []metadata.ManifestBlob
	if _, err := bstore.QueryTx[metadata.ManifestBlob](tx).FilterNonzero(metadata.ManifestBlob{RepositoryID: repoID, ManifestDigest: row.Digest}).Gather(&blobs).Delete(); err != nil {
		return err
	}
	if _, err := bstore.QueryTx[metadata.ManifestChild](tx).FilterNonzero(metadata.ManifestChild{RepositoryID: repoID, ParentDigest: row.Digest}).Delete(); err != nil {
		return err
	}
	if err := tx.Delete(&row); err != nil {
		return err
	}

	for _, b := range blobs {
		used, err := bstore.QueryTx[metadata.ManifestBlob](tx).FilterNonzero(metadata.ManifestBlob{RepositoryID: repoID, BlobDigest: b.BlobDigest}).Exists()
		if err != nil {
			return err
		}
		if used {
			continue
		}
		link, err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{RepositoryID: repoID, Digest: b.BlobDigest}).Get()
		if errors.Is(err, bstore.ErrAbsent) {
			continue
		} else if err != nil {
			return err
		}
		if !link.Temporary() {
			link.Expires = now.Add(reg.linkTTL)
			if err := tx.Update(&link); err != nil {
				return err
			}
		}
	}
	return nil
}
