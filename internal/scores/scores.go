// Package scores rolls computed comparison scores up into per-browser
// averages for a run and across runs.
package scores

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"qualitybots/internal/models"
	"qualitybots/internal/store"
)

type Aggregator struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewAggregator(st store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, logger: logger, now: time.Now}
}

// ComputeAverageScore averages the run's computed, non-ignored comparisons
// per test browser and stores the result. Browsers are sorted by key.
func (a *Aggregator) ComputeAverageScore(ctx context.Context, token string) ([]*models.BrowserScore, error) {
	if _, err := a.store.GetRun(ctx, token); err != nil {
		return nil, err
	}
	cmps, err := a.store.ListComparisons(ctx, store.ComparisonFilter{Token: token, ExcludeIgnore: true, OnlyComputed: true})
	if err != nil {
		return nil, fmt.Errorf("list comparisons of %s: %w", token, err)
	}

	now := a.now()
	grouped := lo.GroupBy(cmps, func(c *models.Comparison) string { return c.TestBrowserKey() })
	out := make([]*models.BrowserScore, 0, len(grouped))
	for browser, group := range grouped {
		total := lo.SumBy(group, func(c *models.Comparison) float64 { return c.Score })
		score := &models.BrowserScore{
			Token:       token,
			Browser:     browser,
			LayoutScore: total / float64(len(group)),
			NumURLs:     len(group),
			Date:        now,
		}
		if err := a.store.UpsertBrowserScore(ctx, score); err != nil {
			return nil, fmt.Errorf("store score of %s on %s: %w", browser, token, err)
		}
		out = append(out, score)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Browser < out[j].Browser })
	a.logger.Info("Computed run scores", "token", token, "browsers", len(out), "comparisons", len(cmps))
	return out, nil
}

// ComputeMultiRunAverage combines the stored per-run averages into one
// average per browser, weighting each run by the URLs it scored.
func (a *Aggregator) ComputeMultiRunAverage(ctx context.Context, tokens []string) ([]*models.BrowserScore, error) {
	perRun := make([][]*models.BrowserScore, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, token := range tokens {
		g.Go(func() error {
			list, err := a.store.ListBrowserScores(gctx, token)
			if err != nil {
				return fmt.Errorf("list scores of %s: %w", token, err)
			}
			perRun[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	combined := map[string]*models.BrowserScore{}
	for _, list := range perRun {
		for _, s := range list {
			if s.NumURLs <= 0 {
				continue
			}
			acc, ok := combined[s.Browser]
			if !ok {
				acc = &models.BrowserScore{Browser: s.Browser}
				combined[s.Browser] = acc
			}
			total := acc.NumURLs + s.NumURLs
			acc.LayoutScore = (acc.LayoutScore*float64(acc.NumURLs) + s.LayoutScore*float64(s.NumURLs)) / float64(total)
			acc.NumURLs = total
			if s.Date.After(acc.Date) {
				acc.Date = s.Date
			}
		}
	}
	out := lo.Values(combined)
	sort.Slice(out, func(i, j int) bool { return out[i].Browser < out[j].Browser })
	return out, nil
}
