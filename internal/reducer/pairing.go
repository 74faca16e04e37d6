package reducer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"qualitybots/internal/models"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
	"qualitybots/internal/tracing"
)

var errAlreadyCompared = errors.New("render already compared")

// FindPairToCompare pairs one ready, uncompared test render of the run with
// the run's ready reference render for the same site and schedules the part
// computations. It returns nil when nothing can be paired. The compared flag
// flips inside a single render update, so concurrent scans pair a render at
// most once.
func (s *Service) FindPairToCompare(ctx context.Context, token string) (*models.Comparison, error) {
	paired, err := s.pairReady(ctx, token, 1)
	if err != nil || len(paired) == 0 {
		return nil, err
	}
	return paired[0], nil
}

// pairReady pairs up to limit ready test renders of the run in one pass over
// its uncompared renders. A limit of zero or less pairs all of them.
func (s *Service) pairReady(ctx context.Context, token string, limit int) (paired []*models.Comparison, err error) {
	ctx, span := tracing.StartSpan(ctx, "reducer.pairReady", attribute.String("run.token", token))
	defer func() { tracing.End(span, err) }()

	isRef, compared := false, false
	candidates, err := s.store.ListRenders(ctx, store.RenderFilter{Token: token, IsReference: &isRef, Compared: &compared})
	if err != nil {
		return nil, fmt.Errorf("list uncompared renders of %s: %w", token, err)
	}
	refs := map[string]*models.PageRender{}
	for _, test := range candidates {
		if limit > 0 && len(paired) >= limit {
			break
		}
		ready, err := s.renderReady(ctx, test.ID)
		if err != nil {
			return paired, err
		}
		if !ready {
			continue
		}
		ref, ok := refs[test.Site]
		if !ok {
			ref, err = s.readyReference(ctx, token, test.Site)
			if err != nil {
				return paired, err
			}
			refs[test.Site] = ref
		}
		if ref == nil {
			continue
		}

		cmp, err := s.pair(ctx, test, ref)
		if errors.Is(err, errAlreadyCompared) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return paired, err
		}
		paired = append(paired, cmp)
	}
	return paired, nil
}

func (s *Service) readyReference(ctx context.Context, token, site string) (*models.PageRender, error) {
	isRef := true
	refs, err := s.store.ListRenders(ctx, store.RenderFilter{Token: token, Site: site, IsReference: &isRef})
	if err != nil {
		return nil, fmt.Errorf("list reference renders of %s: %w", site, err)
	}
	for _, ref := range refs {
		ready, err := s.renderReady(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if ready {
			return ref, nil
		}
	}
	return nil, nil
}

// pair claims test for ref and records their comparison. If the comparison
// cannot be recorded the claim is released so a later scan pairs the render
// again. Once recorded, parts that fail to schedule are picked up by
// resumePending.
func (s *Service) pair(ctx context.Context, test, ref *models.PageRender) (*models.Comparison, error) {
	if err := s.setCompared(ctx, test.ID, true); err != nil {
		if errors.Is(err, errAlreadyCompared) || errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("mark %s compared: %w", test.ID, err)
	}

	cmp := &models.Comparison{
		ID:           comparisonID(test.ID),
		Token:        test.Token,
		URL:          test.URL,
		TestRenderID: test.ID,
		RefRenderID:  ref.ID,
		TestBrowser:  test.Browser,
		TestChannel:  test.Channel,
		TestVersion:  test.Version,
		RefBrowser:   ref.Browser,
		RefChannel:   ref.Channel,
		RefVersion:   ref.Version,
		Score:        models.ScorePending,
		CompareKey:   models.CompareKey(test, ref),
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertComparison(ctx, cmp); err != nil && !errors.Is(err, store.ErrExists) {
		if rerr := s.setCompared(ctx, test.ID, false); rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
			s.logger.Error("Failed to release render after pairing error", "render_id", test.ID, "error", rerr)
		}
		return nil, fmt.Errorf("record comparison of %s: %w", test.ID, err)
	}
	if err := s.deferParts(ctx, cmp.ID, lo.Range(models.NumEntries)); err != nil {
		return nil, err
	}
	pairsCreated.Inc()
	s.logger.Info("Paired renders", "comparison_id", cmp.ID, "token", cmp.Token, "url", cmp.URL,
		"test", test.BrowserKey(), "reference", ref.BrowserKey())
	return cmp, nil
}

// setCompared moves the render's compared flag to value, failing with
// errAlreadyCompared if it already holds it.
func (s *Service) setCompared(ctx context.Context, renderID string, value bool) error {
	_, err := s.store.UpdateRender(ctx, renderID, func(r *models.PageRender) error {
		if r.Compared == value {
			return errAlreadyCompared
		}
		r.Compared = value
		return nil
	})
	return err
}

// comparisonID is derived from the test render, which is compared at most once.
func comparisonID(testRenderID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("qualitybots:comparison:"+testRenderID)).String()
}

func (s *Service) deferParts(ctx context.Context, comparisonID string, parts []int) error {
	for _, part := range parts {
		if _, err := s.tasks.Defer(ctx, TaskComputeDeltaPart, deltaPartArgs{ComparisonID: comparisonID, Part: part},
			tasks.WithDedupKey(fmt.Sprintf("%s/part/%d", comparisonID, part))); err != nil {
			return fmt.Errorf("defer part %d of %s: %w", part, comparisonID, err)
		}
	}
	return nil
}

// resumePending reschedules what each unscored comparison of the run still
// lacks: its missing delta parts, or its score once every part exists.
// Work already queued is not duplicated.
func (s *Service) resumePending(ctx context.Context, token string) (int, error) {
	cmps, err := s.store.ListComparisons(ctx, store.ComparisonFilter{Token: token})
	if err != nil {
		return 0, fmt.Errorf("list comparisons of %s: %w", token, err)
	}
	resumed := 0
	for _, cmp := range cmps {
		if cmp.Computed() {
			continue
		}
		chunks, err := s.store.ListChunks(ctx, cmp.ID, models.ChunkDelta)
		if err != nil {
			return resumed, fmt.Errorf("list delta parts of %s: %w", cmp.ID, err)
		}
		have := lo.SliceToMap(chunks, func(c *models.Chunk) (int, struct{}) { return c.Index, struct{}{} })
		missing := lo.Filter(lo.Range(models.NumEntries), func(part, _ int) bool {
			_, ok := have[part]
			return !ok
		})
		if len(missing) > 0 {
			err = s.deferParts(ctx, cmp.ID, missing)
		} else {
			_, err = s.tasks.Defer(ctx, TaskComputeScore, scoreArgs{ComparisonID: cmp.ID},
				tasks.WithDedupKey(cmp.ID+"/score"))
		}
		if err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}
