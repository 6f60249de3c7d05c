package storage

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/internal/retry"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/metadata"
)

// GCOpts contains options for garbage collector
type GCOpts struct {
	DryRun         bool
	RemoveUntagged bool

	// BlobGrace is how long a blob stays unreferenced before it is removed.
	BlobGrace time.Duration

	// StagingTTL is the age after which upload directories without an open
	// session are removed.
	StagingTTL time.Duration

	// UploadRetention is how long closed session rows are kept.
	UploadRetention time.Duration
}

// GCStats counts what a collection removed, or would remove on a dry run.
type GCStats struct {
	ExpiredUploads   int
	PurgedUploads    int
	StagingRemoved   int
	LinksExpired     int
	TagRowsRemoved   int
	ManifestsRemoved int
	BlobsRemoved     int
}

// MarkAndSweep runs every collection step in dependency order: sessions,
// staging, links, tags, manifests and finally blobs.
func MarkAndSweep(ctx context.Context, reg *Registry, opts GCOpts) (GCStats, error) {
	var stats GCStats
	var err error

	if stats.ExpiredUploads, err = reg.ExpireUploads(ctx, opts.DryRun); err != nil {
		return stats, err
	}
	if stats.PurgedUploads, err = reg.PurgeUploads(ctx, opts.UploadRetention, opts.DryRun); err != nil {
		return stats, err
	}
	if stats.StagingRemoved, err = reg.SweepStaging(ctx, opts.StagingTTL, opts.DryRun); err != nil {
		return stats, err
	}
	if stats.LinksExpired, err = reg.SweepExpiredLinks(ctx, opts.DryRun); err != nil {
		return stats, err
	}
	if stats.TagRowsRemoved, err = reg.SweepTagHistory(ctx, reg.tagHistoryGrace, opts.DryRun); err != nil {
		return stats, err
	}
	if opts.RemoveUntagged {
		if stats.ManifestsRemoved, err = reg.RemoveUntagged(ctx, opts.DryRun); err != nil {
			return stats, err
		}
	}
	if stats.BlobsRemoved, err = reg.SweepBlobs(ctx, opts.BlobGrace, opts.DryRun); err != nil {
		return stats, err
	}
	return stats, nil
}

// ExpireUploads moves open sessions past their deadline to the expired
// state and removes their data.
func (reg *Registry) ExpireUploads(ctx context.Context, dryRun bool) (int, error) {
	now := reg.now()
	var expired []metadata.Upload
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		expired, err = bstore.QueryTx[metadata.Upload](tx).FilterEqual("State", metadata.UploadOpen).FilterLess("Deadline", now).List()
		if err != nil || dryRun {
			return err
		}
		for i := range expired {
			expired[i].State = metadata.UploadExpired
			expired[i].Closed = now
			expired[i].Version++
			if err := tx.Update(&expired[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, u := range expired {
		dcontext.GetLoggerWithField(ctx, "vars.uuid", u.UUID).Info("upload session expired")
		if dryRun {
			continue
		}
		reg.uploadLocks.Delete(u.UUID)
		if err := reg.removeUploadData(ctx, u.UUID); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warnf("removing data of expired upload %s", u.UUID)
		}
	}
	return len(expired), nil
}

// PurgeUploads removes rows of sessions closed for longer than retention.
func (reg *Registry) PurgeUploads(ctx context.Context, retention time.Duration, dryRun bool) (int, error) {
	cutoff := reg.now().Add(-retention)
	n := 0
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[metadata.Upload](tx).FilterNotEqual("State", metadata.UploadOpen).FilterLess("Closed", cutoff)
		var err error
		if dryRun {
			n, err = q.Count()
		} else {
			n, err = q.Delete()
		}
		return err
	})
	return n, err
}

// SweepStaging removes upload directories that no open session owns and
// that have not changed for ttl.
func (reg *Registry) SweepStaging(ctx context.Context, ttl time.Duration, dryRun bool) (int, error) {
	dirs, err := reg.driver.List(ctx, uploadsRoot)
	var notFound storagedriver.PathNotFoundError
	if errors.As(err, &notFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	now := reg.now()
	removed := 0
	for _, dir := range dirs {
		id := path.Base(dir)

		upload := metadata.Upload{UUID: id}
		err := reg.db.Get(ctx, &upload)
		switch {
		case err == nil && upload.State == metadata.UploadOpen && upload.Deadline.After(now):
			continue
		case err != nil && !errors.Is(err, bstore.ErrAbsent):
			return removed, err
		}

		fi, err := reg.driver.Stat(ctx, dir)
		if errors.As(err, &notFound) {
			continue
		} else if err != nil {
			return removed, err
		}
		if now.Sub(fi.ModTime()) < ttl {
			continue
		}

		dcontext.GetLoggerWithField(ctx, "path", dir).Info("removing stale upload directory")
		if !dryRun {
			if err := reg.removeUploadData(ctx, id); err != nil {
				return removed, err
			}
		}
		removed++
	}
	return removed, nil
}

// SweepExpiredLinks removes temporary links past their expiration.
func (reg *Registry) SweepExpiredLinks(ctx context.Context, dryRun bool) (int, error) {
	now := reg.now()
	n := 0
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[metadata.BlobLink](tx).FilterFn(func(l metadata.BlobLink) bool {
			return !l.Alive(now)
		})
		var err error
		if dryRun {
			n, err = q.Count()
		} else {
			n, err = q.Delete()
		}
		return err
	})
	return n, err
}

// SweepTagHistory drops pointers to tags whose expiration passed and
// removes closed rows that ended more than grace ago.
func (reg *Registry) SweepTagHistory(ctx context.Context, grace time.Duration, dryRun bool) (int, error) {
	nowMs := reg.now().UnixMilli()
	cutoff := nowMs - grace.Milliseconds()
	n := 0
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		var ended []metadata.ActiveTag
		err := bstore.QueryTx[metadata.ActiveTag](tx).ForEach(func(active metadata.ActiveTag) error {
			row := metadata.Tag{ID: active.TagID}
			if err := tx.Get(&row); err != nil {
				return err
			}
			if !row.Alive(nowMs) {
				ended = append(ended, active)
			}
			return nil
		})
		if err != nil {
			return err
		}

		pointed := map[int64]bool{}
		if !dryRun {
			for i := range ended {
				if err := tx.Delete(&ended[i]); err != nil {
					return err
				}
			}
		} else {
			for _, a := range ended {
				pointed[a.TagID] = true
			}
		}

		q := bstore.QueryTx[metadata.Tag](tx).FilterFn(func(t metadata.Tag) bool {
			return t.End != 0 && t.End < cutoff && !pointed[t.ID]
		})
		if dryRun {
			n, err = q.Count()
		} else {
			n, err = q.Delete()
		}
		return err
	})
	return n, err
}

// RemoveUntagged deletes manifests that no alive tag points at and that no
// index lists. Manifests with a subject are kept while their subject is
// stored.
func (reg *Registry) RemoveUntagged(ctx context.Context, dryRun bool) (int, error) {
	type candidate struct {
		repo   string
		digest digest.Digest
	}
	var candidates []candidate

	nowMs := reg.now().UnixMilli()
	err := reg.db.Read(ctx, func(tx *bstore.Tx) error {
		repos, err := bstore.QueryTx[metadata.Repository](tx).List()
		if err != nil {
			return err
		}
		for _, repo := range repos {
			tagged := map[string]bool{}
			err := bstore.QueryTx[metadata.ActiveTag](tx).FilterNonzero(metadata.ActiveTag{RepositoryID: repo.ID}).ForEach(func(active metadata.ActiveTag) error {
				row := metadata.Tag{ID: active.TagID}
				if err := tx.Get(&row); err != nil {
					return err
				}
				if row.Alive(nowMs) {
					tagged[row.ManifestDigest] = true
				}
				return nil
			})
			if err != nil {
				return err
			}

			manifests, err := bstore.QueryTx[metadata.Manifest](tx).FilterNonzero(metadata.Manifest{RepositoryID: repo.ID}).List()
			if err != nil {
				return err
			}
			stored := lo.KeyBy(manifests, func(m metadata.Manifest) string { return m.Digest })
			for _, m := range manifests {
				if _, ok := stored[m.SubjectDigest]; tagged[m.Digest] || ok {
					continue
				}
				listed, err := bstore.QueryTx[metadata.ManifestChild](tx).FilterNonzero(metadata.ManifestChild{RepositoryID: repo.ID, ChildDigest: m.Digest}).Exists()
				if err != nil {
					return err
				}
				if !listed {
					candidates = append(candidates, candidate{repo.Name, digest.Digest(m.Digest)})
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range candidates {
		log := dcontext.GetLoggerWithFields(ctx, map[any]any{"vars.name": c.repo, "digest": c.digest})
		if dryRun {
			log.Info("would remove untagged manifest")
			removed++
			continue
		}
		ms := &ManifestStore{repository: &Repository{registry: reg, name: c.repo}}
		err := ms.Delete(ctx, c.digest)
		var referenced ErrManifestReferenced
		switch {
		case err == nil:
			log.Info("removed untagged manifest")
			removed++
		case errors.Is(err, ErrManifestUnknown), errors.As(err, &referenced):
			// Changed since the scan.
		default:
			return removed, err
		}
	}
	return removed, nil
}

// SweepBlobs marks blobs without links or manifest references as orphaned
// and removes those orphaned for longer than grace. Rows are deleted before
// bytes, and bytes without a row are removed once older than grace.
func (reg *Registry) SweepBlobs(ctx context.Context, grace time.Duration, dryRun bool) (int, error) {
	now := reg.now()
	cutoff := now.Add(-grace)

	var candidates []string
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		blobs, err := bstore.QueryTx[metadata.Blob](tx).List()
		if err != nil {
			return err
		}
		for i := range blobs {
			b := &blobs[i]
			referenced, err := blobReferencedTx(tx, b.Digest)
			if err != nil {
				return err
			}
			switch {
			case referenced && !b.Orphaned.IsZero():
				b.Orphaned = time.Time{}
			case !referenced && b.Orphaned.IsZero():
				b.Orphaned = now
			default:
				if !referenced && b.Orphaned.Before(cutoff) {
					candidates = append(candidates, b.Digest)
				}
				continue
			}
			if !dryRun {
				if err := tx.Update(b); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, dgst := range candidates {
		ok, err := reg.removeBlob(ctx, digest.Digest(dgst), cutoff, dryRun)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	n, err := reg.sweepBlobData(ctx, cutoff, dryRun)
	return removed + n, err
}

func blobReferencedTx(tx *bstore.Tx, dgst string) (bool, error) {
	linked, err := bstore.QueryTx[metadata.BlobLink](tx).FilterNonzero(metadata.BlobLink{Digest: dgst}).Exists()
	if err != nil || linked {
		return linked, err
	}
	return bstore.QueryTx[metadata.ManifestBlob](tx).FilterNonzero(metadata.ManifestBlob{BlobDigest: dgst}).Exists()
}

// removeBlob deletes a blob row if it is still orphaned since before
// cutoff, then its bytes.
func (reg *Registry) removeBlob(ctx context.Context, dgst digest.Digest, cutoff time.Time, dryRun bool) (bool, error) {
	log := dcontext.GetLoggerWithField(ctx, "digest", dgst)
	if dryRun {
		log.Info("would remove blob")
		return true, nil
	}

	unlock := reg.lockBlob(dgst.String())
	defer unlock()

	removed := false
	err := reg.db.Write(ctx, func(tx *bstore.Tx) error {
		blob := metadata.Blob{Digest: dgst.String()}
		if err := tx.Get(&blob); errors.Is(err, bstore.ErrAbsent) {
			return nil
		} else if err != nil {
			return err
		}
		referenced, err := blobReferencedTx(tx, blob.Digest)
		if err != nil || referenced || blob.Orphaned.IsZero() || !blob.Orphaned.Before(cutoff) {
			return err
		}
		removed = true
		return tx.Delete(&blob)
	})
	if err != nil || !removed {
		return false, err
	}

	if err := reg.deleteBlobData(ctx, dgst); err != nil {
		return true, err
	}
	log.Info("removed blob")
	return true, nil
}

func (reg *Registry) deleteBlobData(ctx context.Context, dgst digest.Digest) error {
	return retry.Do(ctx, "delete blob", func() error {
		err := reg.driver.Delete(ctx, blobDataPath(dgst))
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	})
}

// sweepBlobData removes blob files that have no row, left behind by a
// crash between moving the data and recording it.
func (reg *Registry) sweepBlobData(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	var orphans []digest.Digest
	err := reg.driver.Walk(ctx, blobsRoot, func(fi storagedriver.FileInfo) error {
		if fi.IsDir() {
			return nil
		}
		dgst, ok := digestFromBlobPath(fi.Path())
		if !ok || !fi.ModTime().Before(cutoff) {
			return nil
		}
		exists, err := bstore.QueryDB[metadata.Blob](ctx, reg.db).FilterNonzero(metadata.Blob{Digest: dgst.String()}).Exists()
		if err != nil {
			return err
		}
		if !exists {
			orphans = append(orphans, dgst)
		}
		return nil
	})
	var notFound storagedriver.PathNotFoundError
	if errors.As(err, &notFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	removed := 0
	for _, dgst := range orphans {
		log := dcontext.GetLoggerWithField(ctx, "digest", dgst)
		if dryRun {
			log.Info("would remove unrecorded blob data")
			removed++
			continue
		}
		unlock := reg.lockBlob(dgst.String())
		exists, err := bstore.QueryDB[metadata.Blob](ctx, reg.db).FilterNonzero(metadata.Blob{Digest: dgst.String()}).Exists()
		if err == nil && !exists {
			err = reg.deleteBlobData(ctx, dgst)
			if err == nil {
				log.Info("removed unrecorded blob data")
				removed++
			}
		}
		unlock()
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}
