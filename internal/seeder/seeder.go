// Package seeder expands a scrape plan into queued work items.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/boardscout/pipeline/internal/metrics"
	"github.com/boardscout/pipeline/internal/scrape"
)

// Cell is one geographic unit of a plan, optionally carrying a priority
// boost over the plan default.
type Cell struct {
	ID       string `json:"id" yaml:"id"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Plan is the declarative input: the cross product of jurisdictions,
// categories, sources, and cells is the candidate work-item set.
type Plan struct {
	Jurisdictions []string `json:"jurisdictions" yaml:"jurisdictions"`
	Categories    []string `json:"categories" yaml:"categories"`
	Sources       []string `json:"sources" yaml:"sources"`
	Cells         []Cell   `json:"cells" yaml:"cells"`
	Priority      int      `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Validate checks that every plan dimension is non-empty.
func (p Plan) Validate() error {
	switch {
	case len(p.Jurisdictions) == 0:
		return fmt.Errorf("plan has no jurisdictions")
	case len(p.Categories) == 0:
		return fmt.Errorf("plan has no categories")
	case len(p.Sources) == 0:
		return fmt.Errorf("plan has no sources")
	case len(p.Cells) == 0:
		return fmt.Errorf("plan has no cells")
	default:
		return nil
	}
}

// Counts summarizes one seeding run.
type Counts struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Config controls seeding throughput and dedup freshness.
type Config struct {
	PublishRPS      float64
	PublishBurst    int
	FreshnessWindow time.Duration
}

// Seeder publishes the plan's work items, skipping items the state store
// already shows as fresh. Publishing is paced so a large plan does not
// flood the broker.
type Seeder struct {
	producer scrape.Producer
	store    scrape.StateStore
	clock    scrape.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Seeder.
func New(producer scrape.Producer, store scrape.StateStore, clock scrape.Clock, cfg Config, logger *zap.Logger) *Seeder {
	if cfg.PublishRPS <= 0 {
		cfg.PublishRPS = 20
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 5
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 24 * time.Hour
	}
	return &Seeder{producer: producer, store: store, clock: clock, cfg: cfg, logger: logger}
}

// Seed expands the plan and publishes every item not already fresh.
// Items completed or actively processing inside the freshness window are
// skipped; anything older is treated as due again. Per-item errors are
// counted and logged, never fatal to the run.
func (s *Seeder) Seed(ctx context.Context, plan Plan) (Counts, error) {
	var counts Counts
	if err := plan.Validate(); err != nil {
		return counts, err
	}

	since := s.clock.Now().Add(-s.cfg.FreshnessWindow)
	seeded, err := s.store.ListSeededKeys(ctx, since)
	if err != nil {
		return counts, fmt.Errorf("list seeded keys: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.PublishRPS), s.cfg.PublishBurst)
	for _, item := range s.expand(plan) {
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		key := item.Key()
		if status, ok := seeded[key]; ok {
			s.logger.Debug("skipping fresh item",
				zap.String("key", key), zap.String("status", string(status)))
			metrics.ObserveSeeded("skipped")
			counts.Skipped++
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return counts, err
		}

		if err := s.seedOne(ctx, item); err != nil {
			s.logger.Warn("seeding item failed", zap.String("key", key), zap.Error(err))
			metrics.ObserveSeeded("errored")
			counts.Errored++
			continue
		}
		metrics.ObserveSeeded("queued")
		counts.Queued++
	}

	s.logger.Info("seeding run finished",
		zap.Int("queued", counts.Queued),
		zap.Int("skipped", counts.Skipped),
		zap.Int("errored", counts.Errored))
	return counts, nil
}

// seedOne records the pending row before publishing so a crash between
// the two leaves a pending item the next run re-publishes, never a
// queued item the store has not seen. The pending write happens only on
// first insert or when re-opening a stale completed cycle: a failed row
// keeps its status and attempt counter and re-enters through delivery
// alone, it never reverts to pending and never regains spent attempts.
func (s *Seeder) seedOne(ctx context.Context, item scrape.WorkItem) error {
	prev, err := s.store.GetItemState(ctx, item.Key())
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		if err := s.store.UpsertItemState(ctx, s.pendingState(item, scrape.ItemState{})); err != nil {
			return fmt.Errorf("record pending state: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read item state: %w", err)
	case prev.Status == scrape.StatusCompleted:
		// Stale completed item, or the freshness check would have
		// skipped it. The finished cycle is closed; a new one starts
		// pending with a fresh attempt counter.
		if err := s.store.UpsertItemState(ctx, s.pendingState(item, prev)); err != nil {
			return fmt.Errorf("record pending state: %w", err)
		}
	}
	if err := s.producer.Publish(ctx, item); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (s *Seeder) pendingState(item scrape.WorkItem, prev scrape.ItemState) scrape.ItemState {
	now := s.clock.Now()
	created := prev.CreatedAt
	if created.IsZero() {
		created = now
	}
	return scrape.ItemState{
		Key:          item.Key(),
		CellID:       item.CellID,
		Jurisdiction: item.Jurisdiction,
		Source:       item.Source,
		Category:     item.Category,
		Status:       scrape.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    now,
	}
}

func (s *Seeder) expand(plan Plan) []scrape.WorkItem {
	now := s.clock.Now()
	items := make([]scrape.WorkItem, 0, len(plan.Jurisdictions)*len(plan.Categories)*len(plan.Sources)*len(plan.Cells))
	for _, jurisdiction := range plan.Jurisdictions {
		for _, cell := range plan.Cells {
			for _, source := range plan.Sources {
				for _, category := range plan.Categories {
					priority := plan.Priority
					if cell.Priority != 0 {
						priority = cell.Priority
					}
					items = append(items, scrape.WorkItem{
						CellID:       cell.ID,
						Jurisdiction: jurisdiction,
						Source:       source,
						Category:     category,
						Priority:     priority,
						ScheduledAt:  now,
					})
				}
			}
		}
	}
	// Higher-priority items go onto the queue first. The sort is stable
	// so ties keep the plan's enumeration order.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})
	return items
}
