package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"relcal/internal/calendar"
	"relcal/internal/config"
	"relcal/internal/ics"
	appLog "relcal/internal/log"
	"relcal/internal/metrics"
	"relcal/internal/model"
)

const defaultConcurrency = 4

// EventStore is the persistence the refresher writes imported events to.
type EventStore interface {
	ReplaceSubscriptionEvents(ctx context.Context, tenant, subscriptionID string, events []model.CalendarEvent) error
}

// Fetcher downloads one feed body.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Options tunes a Refresher.
type Options struct {
	// Schedule is a standard five-field cron spec.
	Schedule string
	// Location is the display zone. The schedule is evaluated in it and
	// all-day feed dates are read in it. Nil means UTC.
	Location *time.Location
	// Concurrency bounds parallel fetches. Zero means 4.
	Concurrency int
}

// Report summarizes one RefreshAll pass.
type Report struct {
	Refreshed []string
	Failed    []string
}

// Refresher imports configured ICS subscriptions into the event store.
type Refresher struct {
	fetcher Fetcher
	store   EventStore
	sources []ics.Source
	opts    Options
	logger  zerolog.Logger

	mu sync.Mutex // serializes refresh passes
}

// New builds a Refresher for subs.
func New(fetcher Fetcher, store EventStore, subs []config.SubscriptionConfig, opts Options) *Refresher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	sources := make([]ics.Source, 0, len(subs))
	for _, s := range subs {
		sources = append(sources, ics.Source{
			ID:       s.ID,
			URL:      s.URL,
			TenantID: s.TenantID,
			Color:    s.Color,
			Location: opts.Location,
		})
	}

	return &Refresher{
		fetcher: fetcher,
		store:   store,
		sources: sources,
		opts:    opts,
		logger:  appLog.WithComponent("subscription"),
	}
}

// RefreshAll refreshes every subscription. A failing source is logged and
// reported but never stops the others.
func (r *Refresher) RefreshAll(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		report Report
		mu     sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(r.opts.Concurrency)

	for _, src := range r.sources {
		g.Go(func() error {
			err := r.RefreshOne(ctx, src)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, src.ID)
			} else {
				report.Refreshed = append(report.Refreshed, src.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Refreshed)
	sort.Strings(report.Failed)
	r.logger.Info().
		Int("refreshed", len(report.Refreshed)).
		Int("failed", len(report.Failed)).
		Msg("subscription refresh completed")
	return report
}

// RefreshOne fetches, parses and stores a single subscription.
func (r *Refresher) RefreshOne(ctx context.Context, src ics.Source) error {
	res, err := r.fetcher.FetchOne(ctx, src)
	if err != nil {
		r.fail(src, "fetch", err)
		return fmt.Errorf("fetch %s: %w", src.ID, err)
	}

	events, err := ics.ParseICS(src, res.Body)
	if err != nil {
		r.fail(src, "parse", err)
		return fmt.Errorf("parse %s: %w", src.ID, err)
	}

	kept := events[:0]
	for _, ev := range events {
		if ev.IsRecurring() {
			if err := calendar.ValidateRule(ev.RecurrenceRule, ev.StartAt); err != nil {
				r.logger.Warn().Err(err).Str("id", src.ID).Str("event", ev.Title).Msg("dropping event with unusable rule")
				continue
			}
		}
		kept = append(kept, ev)
	}

	if err := r.store.ReplaceSubscriptionEvents(ctx, src.TenantID, src.ID, kept); err != nil {
		r.fail(src, "store", err)
		return fmt.Errorf("store %s: %w", src.ID, err)
	}

	result := "ok"
	if res.FromCache {
		result = "cached"
	}
	metrics.RecordRefresh(src.ID, result, len(kept))
	r.logger.Debug().Str("id", src.ID).Str("tenant", src.TenantID).Int("events", len(kept)).Bool("from_cache", res.FromCache).Msg("subscription refreshed")
	return nil
}

func (r *Refresher) fail(src ics.Source, stage string, err error) {
	metrics.RecordRefresh(src.ID, "failed", 0)
	r.logger.Error().Err(err).Str("id", src.ID).Str("stage", stage).Msg("subscription refresh failed")
}

// Start runs RefreshAll on the configured schedule until ctx is cancelled.
// It returns once the scheduler is running.
func (r *Refresher) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.opts.Location))
	if _, err := c.AddFunc(r.opts.Schedule, func() { r.RefreshAll(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", r.opts.Schedule, err)
	}
	c.Start()
	r.logger.Info().Str("schedule", r.opts.Schedule).Int("subscriptions", len(r.sources)).Msg("subscription scheduler started")

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.logger.Info().Msg("subscription scheduler stopped")
	}()
	return nil
}
