package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"

	"github.com/dockyard/registry/registry/storage/metadata"
)

// TagInfo is one lifetime of a tag.
type TagInfo struct {
	Name      string
	Digest    digest.Digest
	Start     time.Time
	End       time.Time // zero while open ended
	Immutable bool
	Reversion bool
}

func tagInfo(t metadata.Tag) TagInfo {
	info := TagInfo{
		Name:      t.Name,
		Digest:    digest.Digest(t.ManifestDigest),
		Start:     time.UnixMilli(t.Start).UTC(),
		Immutable: t.Immutable,
		Reversion: t.Reversion,
	}
	if t.End != 0 {
		info.End = time.UnixMilli(t.End).UTC()
	}
	return info
}

// TagStore is the tag index of a repository. Every tag has at most one
// active row; moving or deleting a tag closes that row and keeps it as
// history.
type TagStore struct {
	repository *Repository
}

// Get returns the active row of tag.
func (ts *TagStore) Get(ctx context.Context, tag string) (TagInfo, error) {
	var info TagInfo
	err := ts.repository.registry.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ts.repository.name)
		if err != nil {
			return err
		}
		_, row, err := ts.activeTx(tx, repo.ID, tag)
		if err != nil {
			return err
		}
		info = tagInfo(row)
		return nil
	})
	return info, err
}

// activeTx returns the pointer and row of the alive tag, or ErrTagUnknown.
func (ts *TagStore) activeTx(tx *bstore.Tx, repoID int64, tag string) (metadata.ActiveTag, metadata.Tag, error) {
	active, row, err := activeRowTx(tx, repoID, tag)
	if err != nil {
		return active, row, err
	}
	if active.ID == 0 || !row.Alive(ts.repository.registry.now().UnixMilli()) {
		return active, row, ErrTagUnknown
	}
	return active, row, nil
}

// activeRowTx returns the pointer of tag and the row it points at. Both are
// zero when there is no pointer. The row may have ended already.
func activeRowTx(tx *bstore.Tx, repoID int64, tag string) (metadata.ActiveTag, metadata.Tag, error) {
	active, err := bstore.QueryTx[metadata.ActiveTag](tx).FilterNonzero(metadata.ActiveTag{RepositoryID: repoID, Name: tag}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return metadata.ActiveTag{}, metadata.Tag{}, nil
	} else if err != nil {
		return active, metadata.Tag{}, err
	}
	row := metadata.Tag{ID: active.TagID}
	if err := tx.Get(&row); err != nil {
		return active, row, err
	}
	return active, row, nil
}

// Tag points tag at a manifest already stored in the repository.
func (ts *TagStore) Tag(ctx context.Context, tag string, dgst digest.Digest) error {
	reg := ts.repository.registry
	return reg.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ts.repository.name)
		if err != nil {
			return err
		}
		exists, err := bstore.QueryTx[metadata.Manifest](tx).FilterNonzero(metadata.Manifest{RepositoryID: repo.ID, Digest: dgst.String()}).Exists()
		if err != nil {
			return err
		}
		if !exists {
			return ErrManifestUnknown
		}
		return retargetTx(tx, repo.ID, tag, dgst.String(), reg.now().UnixMilli())
	})
}

// retargetTx points tag at dgst. Pointing an alive tag at the manifest it
// already has is a no-op.
func retargetTx(tx *bstore.Tx, repoID int64, tag, dgst string, nowMs int64) error {
	active, row, err := activeRowTx(tx, repoID, tag)
	if err != nil {
		return err
	}
	if active.ID != 0 {
		if row.Alive(nowMs) {
			if row.ManifestDigest == dgst {
				return nil
			}
			if row.Immutable {
				return ErrTagImmutable{Tag: tag}
			}
		}
		if err := closeTagTx(tx, active, row, nowMs); err != nil {
			return err
		}
	}

	reversion, err := bstore.QueryTx[metadata.Tag](tx).FilterNonzero(metadata.Tag{RepositoryID: repoID, Name: tag, ManifestDigest: dgst}).Exists()
	if err != nil {
		return err
	}
	next := metadata.Tag{
		RepositoryID:   repoID,
		Name:           tag,
		ManifestDigest: dgst,
		Start:          nowMs,
		Reversion:      reversion,
	}
	if err := tx.Insert(&next); err != nil {
		return err
	}
	return tx.Insert(&metadata.ActiveTag{RepositoryID: repoID, Name: tag, TagID: next.ID})
}

// closeTagTx ends the row at nowMs unless it ended before, and removes the
// pointer.
func closeTagTx(tx *bstore.Tx, active metadata.ActiveTag, row metadata.Tag, nowMs int64) error {
	if err := tx.Delete(&active); err != nil {
		return err
	}
	if row.Alive(nowMs) {
		row.End = nowMs
		return tx.Update(&row)
	}
	return nil
}

// List returns up to n alive tag names sorted lexically and following
// last. A non-positive n returns every name.
func (ts *TagStore) List(ctx context.Context, n int, last string) (tags []string, more bool, err error) {
	reg := ts.repository.registry
	nowMs := reg.now().UnixMilli()
	err = reg.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ts.repository.name)
		if err != nil {
			return err
		}
		q := bstore.QueryTx[metadata.ActiveTag](tx).FilterNonzero(metadata.ActiveTag{RepositoryID: repo.ID}).SortAsc("Name")
		if last != "" {
			q.FilterGreater("Name", last)
		}
		return q.ForEach(func(active metadata.ActiveTag) error {
			row := metadata.Tag{ID: active.TagID}
			if err := tx.Get(&row); err != nil {
				return err
			}
			if !row.Alive(nowMs) {
				return nil
			}
			if n > 0 && len(tags) == n {
				more = true
				return bstore.StopForEach
			}
			tags = append(tags, active.Name)
			return nil
		})
	})
	return tags, more, err
}

// Delete closes the active row of tag.
func (ts *TagStore) Delete(ctx context.Context, tag string) error {
	reg := ts.repository.registry
	return reg.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ts.repository.name)
		if err == ErrRepositoryUnknown {
			return ErrTagUnknown
		} else if err != nil {
			return err
		}
		active, row, err := ts.activeTx(tx, repo.ID, tag)
		if err != nil {
			return err
		}
		if row.Immutable {
			return ErrTagImmutable{Tag: tag}
		}
		return closeTagTx(tx, active, row, reg.now().UnixMilli())
	})
}

// SetImmutable sets or clears the immutable flag of the active row.
// Marking a tag immutable drops a pending expiration.
func (ts *TagStore) SetImmutable(ctx context.Context, tag string, immutable bool) error {
	return ts.updateActive(ctx, tag, func(row *metadata.Tag) error {
		row.Immutable = immutable
		if immutable {
			row.End = 0
		}
		return nil
	})
}

// SetExpiration ends the active row at the given time. A nil time removes
// a pending expiration; a time not in the future closes the tag now.
func (ts *TagStore) SetExpiration(ctx context.Context, tag string, at *time.Time) error {
	nowMs := ts.repository.registry.now().UnixMilli()
	return ts.updateActive(ctx, tag, func(row *metadata.Tag) error {
		if row.Immutable {
			return ErrTagImmutable{Tag: tag}
		}
		switch {
		case at == nil:
			row.End = 0
		case at.UnixMilli() <= nowMs:
			row.End = nowMs
		default:
			row.End = at.UnixMilli()
		}
		return nil
	})
}

func (ts *TagStore) updateActive(ctx context.Context, tag string, fn func(row *metadata.Tag) error) error {
	reg := ts.repository.registry
	return reg.db.Write(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ts.repository.name)
		if err == ErrRepositoryUnknown {
			return ErrTagUnknown
		} else if err != nil {
			return err
		}
		active, row, err := ts.activeTx(tx, repo.ID, tag)
		if err != nil {
			return err
		}
		if err := fn(&row); err != nil {
			return err
		}
		if err := tx.Update(&row); err != nil {
			return err
		}
		if !row.Alive(reg.now().UnixMilli()) {
			return tx.Delete(&active)
		}
		return nil
	})
}

// History returns every row of tag, oldest first.
func (ts *TagStore) History(ctx context.Context, tag string) ([]TagInfo, error) {
	var history []TagInfo
	err := ts.repository.registry.db.Read(ctx, func(tx *bstore.Tx) error {
		repo, err := lookupRepository(tx, ts.repository.name)
		if err != nil {
			return err
		}
		rows, err := bstore.QueryTx[metadata.Tag](tx).FilterNonzero(metadata.Tag{RepositoryID: repo.ID, Name: tag}).SortAsc("Start", "ID").List()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrTagUnknown
		}
		for _, row := range rows {
			history = append(history, tagInfo(row))
		}
		return nil
	})
	return history, err
}
