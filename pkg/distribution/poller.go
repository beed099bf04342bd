package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/reliability"
)

// Default bounds of one Run.
const (
	DefaultMaxIterations = 25
	DefaultMaxResults    = 500
	DefaultInterval      = 2 * time.Second
)

// WatermarkStore persists the last consumed NSU per scope.
type WatermarkStore interface {
	GetLastSequence(ctx context.Context, scope string) (string, error)
	SetLastSequence(ctx context.Context, scope, value string) error
}

// Consumer receives the new documents of one batch. Returning an error
// stops the run before the watermark moves, so the batch is delivered
// again on the next run.
type Consumer func(ctx context.Context, docs []*Summary) error

// Scope identifies whose documents are polled.
type Scope struct {
	// Name keys the watermark; it defaults to "<tax id>:<environment>".
	Name         string
	Identity     *keystore.SigningIdentity
	CompanyTaxID string
	Region       int
	Environment  document.Environment
}

// Key returns the watermark key of the scope.
func (s Scope) Key() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s:%s", s.CompanyTaxID, s.Environment)
}

// PollerConfig bounds a run.
type PollerConfig struct {
	MaxIterations int
	MaxResults    int
	// Interval is the minimum spacing between requests.
	Interval time.Duration
	// DedupWindow is how long delivered access keys are remembered.
	DedupWindow time.Duration
	DedupSize   int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = reliability.DefaultWindow
	}
	if c.DedupSize <= 0 {
		c.DedupSize = reliability.DefaultMaxEntries
	}
	return c
}

// RunStats summarizes a run.
type RunStats struct {
	Iterations int
	Delivered  int
	Duplicates int
	Skipped    int
	Watermark  string
	Exhausted  bool
}

// Poller drives PollOnce sequentially for a scope, delivering new
// documents to a consumer and persisting the watermark after each
// accepted batch.
type Poller struct {
	syncer   *Syncer
	store    WatermarkStore
	config   PollerConfig
	limiter  *rate.Limiter
	detector *reliability.DuplicateDetector
	logger   *slog.Logger
}

// NewPoller creates a poller. The duplicate detector lives as long as the
// poller, so keys delivered by one run are filtered from the next.
func NewPoller(syncer *Syncer, store WatermarkStore, config PollerConfig, logger *slog.Logger) *Poller {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		syncer:   syncer,
		store:    store,
		config:   config,
		limiter:  rate.NewLimiter(rate.Every(config.Interval), 1),
		detector: reliability.NewDuplicateDetector(config.DedupWindow, config.DedupSize),
		logger:   logger,
	}
}

// Run polls until the authority has nothing more, the cursor reaches
// maxNSU or a bound is hit. It returns what was done even on error.
func (p *Poller) Run(ctx context.Context, scope Scope, consume Consumer) (*RunStats, error) {
	if consume == nil {
		return nil, fiscalerr.Configuration("consumer", "no consumer")
	}
	key := scope.Key()
	stored, err := p.store.GetLastSequence(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading watermark for %s: %w", key, err)
	}
	watermark, err := NormalizeWatermark(stored)
	if err != nil {
		return nil, err
	}

	stats := &RunStats{Watermark: watermark}
	logger := p.logger.With("scope", key)
	logger.Info("distribution run started", "watermark", watermark)

	for stats.Iterations < p.config.MaxIterations && stats.Delivered < p.config.MaxResults {
		if err := p.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		stats.Iterations++

		result, err := p.syncer.PollOnce(ctx, scope.Identity, scope.CompanyTaxID, scope.Region, watermark, scope.Environment)
		if err != nil {
			return stats, err
		}
		stats.Skipped += result.Skipped

		fresh := make([]*Summary, 0, len(result.Documents))
		for _, doc := range result.Documents {
			if p.detector.IsDuplicate(doc.AccessKey) {
				stats.Duplicates++
				continue
			}
			fresh = append(fresh, doc)
		}
		if len(fresh) > 0 {
			if err := consume(ctx, fresh); err != nil {
				return stats, fmt.Errorf("consumer rejected batch at %s: %w", watermark, err)
			}
			for _, doc := range fresh {
				p.detector.MarkReceived(doc.AccessKey)
			}
			stats.Delivered += len(fresh)
		}

		if CompareWatermarks(result.NewWatermark, watermark) > 0 {
			if err := p.store.SetLastSequence(ctx, key, result.NewWatermark); err != nil {
				return stats, fmt.Errorf("saving watermark for %s: %w", key, err)
			}
			watermark = result.NewWatermark
			stats.Watermark = watermark
		}

		if result.Exhausted || CompareWatermarks(watermark, result.MaxWatermark) >= 0 {
			stats.Exhausted = true
			break
		}
	}

	logger.Info("distribution run finished",
		"iterations", stats.Iterations,
		"delivered", stats.Delivered,
		"duplicates", stats.Duplicates,
		"watermark", stats.Watermark,
		"exhausted", stats.Exhausted)
	return stats, nil
}
