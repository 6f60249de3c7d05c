// Package purge runs the collection of expired sessions, staging data,
// closed tag rows and unreferenced blobs in the background.
package purge

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/dockyard/registry/configuration"
	"github.com/dockyard/registry/internal/dcontext"
	prometheus "github.com/dockyard/registry/metrics"
	"github.com/dockyard/registry/registry/storage"
)

// maxJitter bounds the random delay before the first pass, so replicas
// started together do not collect at the same time.
const maxJitter = time.Minute

// PurgeOption contains options for the background collector.
type PurgeOption struct {
	Enabled         bool
	Interval        time.Duration
	DryRun          bool
	DeleteUntagged  bool
	BlobGrace       time.Duration
	StagingTTL      time.Duration
	UploadRetention time.Duration
}

func (po PurgeOption) String() string {
	return fmt.Sprintf(`
Purge Option:
  Enabled:         %t
  DryRun:          %t
  DeleteUntagged:  %t
  Interval:        %s
  BlobGrace:       %s
  StagingTTL:      %s
  UploadRetention: %s
`, po.Enabled, po.DryRun, po.DeleteUntagged, po.Interval, po.BlobGrace, po.StagingTTL, po.UploadRetention)
}

// FromConfig reads the collector options of a parsed configuration.
func FromConfig(config *configuration.Configuration) PurgeOption {
	return PurgeOption{
		Enabled:         config.GC.Enabled,
		Interval:        config.GC.Interval,
		DeleteUntagged:  config.GC.DeleteUntagged,
		BlobGrace:       config.GC.BlobGrace,
		StagingTTL:      config.Uploads.StagingTTL,
		UploadRetention: config.Uploads.Retention,
	}
}

func (po PurgeOption) gcOpts() storage.GCOpts {
	return storage.GCOpts{
		DryRun:          po.DryRun,
		RemoveUntagged:  po.DeleteUntagged,
		BlobGrace:       po.BlobGrace,
		StagingTTL:      po.StagingTTL,
		UploadRetention: po.UploadRetention,
	}
}

// Purger collects a registry periodically.
type Purger struct {
	registry *storage.Registry
	opts     PurgeOption

	// jitter returns the delay before the first pass.
	jitter func() time.Duration
}

// New returns a Purger for registry. It does nothing until Run is called.
func New(registry *storage.Registry, opts PurgeOption) *Purger {
	return &Purger{
		registry: registry,
		opts:     opts,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
}

// RunOnce performs a single collection pass.
func (p *Purger) RunOnce(ctx context.Context) (storage.GCStats, error) {
	start := time.Now()

	stats, err := storage.MarkAndSweep(ctx, p.registry, p.opts.gcOpts())
	if err != nil {
		prometheus.GCRuns.WithValues("failure").Inc(1)
		dcontext.GetLogger(ctx).WithError(err).Error("collection failed")
		return stats, err
	}

	prometheus.GCRuns.WithValues("success").Inc(1)
	if !p.opts.DryRun {
		for kind, n := range map[string]int{
			"upload":   stats.ExpiredUploads + stats.PurgedUploads,
			"staging":  stats.StagingRemoved,
			"link":     stats.LinksExpired,
			"tag":      stats.TagRowsRemoved,
			"manifest": stats.ManifestsRemoved,
			"blob":     stats.BlobsRemoved,
		} {
			prometheus.GCRemoved.WithValues(kind).Inc(float64(n))
		}
	}

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"gc.dryrun":            p.opts.DryRun,
		"gc.duration":          time.Since(start),
		"gc.uploads.expired":   stats.ExpiredUploads,
		"gc.uploads.purged":    stats.PurgedUploads,
		"gc.staging.removed":   stats.StagingRemoved,
		"gc.links.expired":     stats.LinksExpired,
		"gc.tags.removed":      stats.TagRowsRemoved,
		"gc.manifests.removed": stats.ManifestsRemoved,
		"gc.blobs.removed":     stats.BlobsRemoved,
	}).Info("collection finished")
	return stats, nil
}

// Run collects every interval until ctx is done. A failed pass is logged
// and retried at the next interval.
func (p *Purger) Run(ctx context.Context) {
	if !p.opts.Enabled {
		return
	}
	logger := dcontext.GetLogger(ctx)

	delay := p.jitter()
	logger.Infof("starting collection in %s, then every %s", delay, p.opts.Interval)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("collection stopped")
			return
		case <-timer.C:
		}

		// errors are logged by RunOnce
		_, _ = p.RunOnce(ctx)
		timer.Reset(p.opts.Interval)
	}
}
