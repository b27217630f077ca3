// Package maintenance implements the Maintenance Scheduler: three
// independent background tasks (prune, compact, event retention) that
// run at most once per interval per partition, gated by a singleflight
// group so concurrent triggers from request traffic and the ticker
// never run the same task twice at once.
package maintenance

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/syncular/syncular/internal/storage"
)

// Config holds the Maintenance Scheduler's tunable knobs, mirroring
// the config.Tuning fields it reads from.
type Config struct {
	AutoPruneInterval      time.Duration
	PruneWatermarkWindow   time.Duration
	PruneMaxAgeFallback    time.Duration
	KeepNewestCommits      int
	FullHistoryHours       int
	RequestEventsMaxAge    time.Duration
	RequestEventsMaxRows   int
	OperationEventsMaxAge  time.Duration
	OperationEventsMaxRows int
}

// PruneResult is the outcome of a prune run or preview.
type PruneResult struct {
	WatermarkCommitSeq int64
	CommitsToDelete    int
	DryRun             bool
}

// CompactResult is the outcome of a compact run.
type CompactResult struct {
	ChangesDeleted int
}

// Scheduler runs the three maintenance tasks, each singleflight-gated
// per (task, partition) so a ticker tick and a request-triggered run
// never overlap.
type Scheduler struct {
	Storage storage.Gateway
	Config  Config

	group   singleflight.Group
	mu      sync.Mutex
	lastRun map[string]time.Time

	trigger chan string // partition id
	stop    chan struct{}
}

// New builds a Scheduler. Call Run to start its background ticker.
func New(store storage.Gateway, cfg Config) *Scheduler {
	if cfg.AutoPruneInterval <= 0 {
		cfg.AutoPruneInterval = 5 * time.Minute
	}
	if cfg.PruneWatermarkWindow <= 0 {
		cfg.PruneWatermarkWindow = 24 * time.Hour
	}
	if cfg.PruneMaxAgeFallback <= 0 {
		cfg.PruneMaxAgeFallback = 30 * 24 * time.Hour
	}
	if cfg.KeepNewestCommits <= 0 {
		cfg.KeepNewestCommits = 1000
	}
	if cfg.FullHistoryHours <= 0 {
		cfg.FullHistoryHours = 168
	}
	if cfg.RequestEventsMaxAge <= 0 {
		cfg.RequestEventsMaxAge = 7 * 24 * time.Hour
	}
	if cfg.RequestEventsMaxRows <= 0 {
		cfg.RequestEventsMaxRows = 10000
	}
	if cfg.OperationEventsMaxAge <= 0 {
		cfg.OperationEventsMaxAge = 30 * 24 * time.Hour
	}
	if cfg.OperationEventsMaxRows <= 0 {
		cfg.OperationEventsMaxRows = 5000
	}
	return &Scheduler{
		Storage: store,
		Config:  cfg,
		lastRun: make(map[string]time.Time),
		trigger: make(chan string, 64),
		stop:    make(chan struct{}),
	}
}

// Run starts the background ticker loop. It blocks until the
// scheduler's context is cancelled or Stop is called; callers should
// invoke it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context, partitions []string) {
	ticker := time.NewTicker(s.Config.AutoPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			for _, p := range partitions {
				s.runAllGated(context.Background(), p)
			}
		case partitionID := <-s.trigger:
			s.runAllGated(context.Background(), partitionID)
		}
	}
}

// Stop ends the Run loop.
func (s *Scheduler) Stop() { close(s.stop) }

// TriggerFromRequest schedules a maintenance pass for partitionID, run
// at most once per AutoPruneInterval regardless of how often it's
// called. Non-blocking; a full trigger channel drops the request
// (the next ticker tick covers it).
func (s *Scheduler) TriggerFromRequest(partitionID string) {
	select {
	case s.trigger <- partitionID:
	default:
	}
}

func (s *Scheduler) runAllGated(ctx context.Context, partitionID string) {
	if !s.due(partitionID) {
		return
	}
	// Same keys as PruneNow/CompactNow; each task logs its own errors.
	s.group.Do("prune:"+partitionID, func() (any, error) {
		return s.runPrune(ctx, partitionID, false)
	})
	s.group.Do("compact:"+partitionID, func() (any, error) {
		return s.runCompact(ctx, partitionID)
	})
	s.group.Do("retention:"+partitionID, func() (any, error) {
		s.runEventRetention(ctx, partitionID)
		return nil, nil
	})
}

func (s *Scheduler) due(partitionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[partitionID]
	if ok && time.Since(last) < s.Config.AutoPruneInterval {
		return false
	}
	s.lastRun[partitionID] = time.Now()
	return true
}

// PrunePreview computes the prune watermark and count without deleting.
func (s *Scheduler) PrunePreview(ctx context.Context, partitionID string) (PruneResult, error) {
	return s.runPrune(ctx, partitionID, true)
}

// PruneNow runs prune immediately outside the ticker gate, used by the
// console's explicit /prune endpoint.
func (s *Scheduler) PruneNow(ctx context.Context, partitionID string) (PruneResult, error) {
	v, err, _ := s.group.Do("prune:"+partitionID, func() (any, error) {
		return s.runPrune(ctx, partitionID, false)
	})
	if err != nil {
		return PruneResult{}, err
	}
	return v.(PruneResult), nil
}

func (s *Scheduler) runPrune(ctx context.Context, partitionID string, dryRun bool) (PruneResult, error) {
	watermark, err := s.Storage.MinActiveClientCursor(ctx, partitionID, s.Config.PruneWatermarkWindow)
	if err != nil {
		log.Printf("maintenance: prune watermark lookup for partition %s: %v", partitionID, err)
		return PruneResult{}, err
	}
	// A quiescent partition (no client cursor updated within the
	// window) has no cursor-derived watermark, which would otherwise
	// leave every old commit unprunable forever. Fall back to an
	// age-based watermark so old commits still get collected.
	if watermark == nil {
		cutoff := time.Now().Add(-s.Config.PruneMaxAgeFallback)
		ageWatermark, err := s.Storage.MaxCommitSeqBefore(ctx, partitionID, cutoff)
		if err != nil {
			log.Printf("maintenance: prune max-age fallback lookup for partition %s: %v", partitionID, err)
			return PruneResult{}, err
		}
		watermark = ageWatermark
	}
	var mark int64
	if watermark != nil {
		mark = *watermark
	}
	deleted, err := s.Storage.PruneCommits(ctx, partitionID, mark, s.Config.KeepNewestCommits, dryRun)
	if err != nil {
		log.Printf("maintenance: prune commits for partition %s: %v", partitionID, err)
		return PruneResult{}, err
	}
	return PruneResult{WatermarkCommitSeq: mark, CommitsToDelete: deleted, DryRun: dryRun}, nil
}

// CompactNow runs compact immediately, used by the console's
// /compact endpoint.
func (s *Scheduler) CompactNow(ctx context.Context, partitionID string) (CompactResult, error) {
	v, err, _ := s.group.Do("compact:"+partitionID, func() (any, error) {
		return s.runCompact(ctx, partitionID)
	})
	if err != nil {
		return CompactResult{}, err
	}
	return v.(CompactResult), nil
}

func (s *Scheduler) runCompact(ctx context.Context, partitionID string) (CompactResult, error) {
	olderThan := time.Now().Add(-time.Duration(s.Config.FullHistoryHours) * time.Hour)
	deleted, err := s.Storage.CompactChanges(ctx, partitionID, olderThan)
	if err != nil {
		log.Printf("maintenance: compact changes for partition %s: %v", partitionID, err)
		return CompactResult{}, err
	}
	return CompactResult{ChangesDeleted: deleted}, nil
}

func (s *Scheduler) runEventRetention(ctx context.Context, partitionID string) {
	if _, err := s.Storage.DeleteOldRequestEvents(ctx, partitionID, s.Config.RequestEventsMaxAge, s.Config.RequestEventsMaxRows); err != nil {
		log.Printf("maintenance: delete old request events for partition %s: %v", partitionID, err)
	}
	if _, err := s.Storage.DeleteOldOperationEvents(ctx, partitionID, s.Config.OperationEventsMaxAge, s.Config.OperationEventsMaxRows); err != nil {
		log.Printf("maintenance: delete old operation events for partition %s: %v", partitionID, err)
	}
	if _, err := s.Storage.DeleteUnreferencedPayloadSnapshots(ctx, partitionID); err != nil {
		log.Printf("maintenance: delete unreferenced payload snapshots for partition %s: %v", partitionID, err)
	}
}
