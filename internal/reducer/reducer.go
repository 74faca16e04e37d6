// Package reducer turns uploaded page renders into scored comparisons: a
// ready test render is paired with its run's reference render, the layout
// tables are diffed part by part and the mismatches are reduced to a score.
package reducer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"qualitybots/internal/blob"
	"qualitybots/internal/events"
	"qualitybots/internal/models"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

var (
	ErrInvalidChunk  = errors.New("invalid render chunk")
	ErrInvalidRender = errors.New("invalid render")
	ErrNotReady      = errors.New("comparison parts are not complete")
)

type Service struct {
	store  store.Store
	blobs  blob.Store
	tasks  tasks.Deferrer
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st store.Store, blobs blob.Store, deferrer tasks.Deferrer, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, blobs: blobs, tasks: deferrer, events: publisher, logger: logger, now: time.Now}
}

type CreateRenderRequest struct {
	Token          string            `json:"token"`
	WorkItemID     string            `json:"work_item_id"`
	URL            string            `json:"url"`
	Site           string            `json:"site"`
	OS             string            `json:"os"`
	Browser        string            `json:"browser"`
	Channel        string            `json:"channel"`
	Version        string            `json:"version"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	NodesTable     string            `json:"nodes_table"`
	DynamicContent []int             `json:"dynamic_content"`
	Metadata       map[string]string `json:"metadata"`
	Screenshot     []byte            `json:"screenshot,omitempty"`
}

// CreateRender records a render shell. Whether it is the reference render is
// decided by the run's reference binding, not by the caller.
func (s *Service) CreateRender(ctx context.Context, req CreateRenderRequest) (*models.PageRender, error) {
	if req.Token == "" || req.URL == "" || req.Browser == "" {
		return nil, fmt.Errorf("%w: token, url and browser are required", ErrInvalidRender)
	}
	if req.Width < 0 || req.Height < 0 {
		return nil, fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidRender, req.Width, req.Height)
	}
	if req.NodesTable != "" {
		if _, err := DecodeNodesTable(req.NodesTable); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRender, err)
		}
	}
	run, err := s.store.GetRun(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", req.Token, err)
	}
	ref, err := models.ParseClientInfo(run.ClientInfo)
	if err != nil {
		return nil, fmt.Errorf("run %s has an unreadable reference binding: %w", req.Token, err)
	}

	render := &models.PageRender{
		ID:             uuid.NewString(),
		Token:          req.Token,
		WorkItemID:     req.WorkItemID,
		URL:            req.URL,
		Site:           req.Site,
		OS:             strings.ToLower(req.OS),
		Browser:        strings.ToLower(req.Browser),
		Channel:        strings.ToLower(req.Channel),
		Version:        req.Version,
		Width:          req.Width,
		Height:         req.Height,
		NodesTable:     req.NodesTable,
		DynamicContent: req.DynamicContent,
		Metadata:       req.Metadata,
		CreatedAt:      s.now(),
	}
	if render.Site == "" {
		render.Site = render.URL
	}
	if ref.RefOS == "" {
		ref.RefOS = strings.ToLower(run.Reference.OS)
	}
	render.IsReference = ref.Matches(render.OS, render.BrowserKey(), render.Channel)

	if len(req.Screenshot) > 0 {
		key := screenshotKey(render.ID)
		if err := s.blobs.Put(ctx, key, req.Screenshot, "image/png"); err != nil {
			return nil, fmt.Errorf("store screenshot of %s: %w", render.ID, err)
		}
		render.ScreenshotKey = key
	}
	if err := s.store.InsertRender(ctx, render); err != nil {
		return nil, fmt.Errorf("record render: %w", err)
	}
	s.logger.Info("Created render", "render_id", render.ID, "token", render.Token, "url", render.URL,
		"browser", render.BrowserKey(), "reference", render.IsReference)
	return render, nil
}

// UploadRenderChunk stores layout part index of a render, replacing any
// earlier upload of the same part. When the last missing part arrives a
// pairing scan of the run is scheduled.
func (s *Service) UploadRenderChunk(ctx context.Context, renderID string, index int, payload []byte) (ready bool, err error) {
	if index < 0 || index >= models.NumEntries {
		return false, fmt.Errorf("%w: index %d outside [0,%d)", ErrInvalidChunk, index, models.NumEntries)
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	render, err := s.store.GetRender(ctx, renderID)
	if err != nil {
		return false, err
	}
	if err := s.store.PutChunk(ctx, &models.Chunk{
		OwnerID: renderID,
		Kind:    models.ChunkLayout,
		Index:   index,
		Content: payload,
		Length:  len(rows),
	}); err != nil {
		return false, fmt.Errorf("store chunk %d of %s: %w", index, renderID, err)
	}
	chunksUploaded.Inc()

	ready, err = s.renderReady(ctx, renderID)
	if err != nil || !ready {
		return ready, err
	}
	if _, err := s.tasks.Defer(ctx, TaskCompareRenders, compareRendersArgs{Token: render.Token},
		tasks.WithDedupKey(fmt.Sprintf("%s/compare/%s", render.Token, renderID))); err != nil {
		return true, fmt.Errorf("defer pairing for %s: %w", renderID, err)
	}
	s.logger.Info("Render complete", "render_id", renderID, "token", render.Token)
	return true, nil
}

func (s *Service) renderReady(ctx context.Context, renderID string) (bool, error) {
	n, err := s.store.CountChunks(ctx, renderID, models.ChunkLayout)
	if err != nil {
		return false, fmt.Errorf("count chunks of %s: %w", renderID, err)
	}
	return n == models.NumEntries, nil
}

// Annotation edits the reviewer-owned fields of a comparison. Nil fields are
// left unchanged.
type Annotation struct {
	Ignore   *bool    `json:"ignore,omitempty"`
	Comments *string  `json:"comments,omitempty"`
	Bugs     []string `json:"bugs,omitempty"`
}

func (s *Service) Annotate(ctx context.Context, comparisonID string, a Annotation) (*models.Comparison, error) {
	return s.store.UpdateComparison(ctx, comparisonID, func(c *models.Comparison) error {
		if a.Ignore != nil {
			c.Ignore = *a.Ignore
		}
		if a.Comments != nil {
			c.Comments = *a.Comments
		}
		if len(a.Bugs) > 0 {
			c.Bugs = a.Bugs
		}
		return nil
	})
}

// DeleteComparison removes a comparison with its delta and dynamic parts.
func (s *Service) DeleteComparison(ctx context.Context, id string) error {
	for _, kind := range []models.ChunkKind{models.ChunkDelta, models.ChunkDynamic} {
		if _, err := s.store.DeleteChunks(ctx, id, kind); err != nil {
			return fmt.Errorf("delete %s parts of %s: %w", kind, id, err)
		}
	}
	if err := s.store.DeleteComparison(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Deleted comparison", "comparison_id", id)
	return nil
}

// DeleteRender removes a render, every comparison it takes part in, its
// layout parts and its screenshot.
func (s *Service) DeleteRender(ctx context.Context, id string) error {
	render, err := s.store.GetRender(ctx, id)
	if err != nil {
		return err
	}
	dependents, err := s.store.ListComparisons(ctx, store.ComparisonFilter{RenderID: id})
	if err != nil {
		return fmt.Errorf("list comparisons of %s: %w", id, err)
	}
	for _, cmp := range dependents {
		if err := s.DeleteComparison(ctx, cmp.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if _, err := s.store.DeleteChunks(ctx, id, models.ChunkLayout); err != nil {
		return fmt.Errorf("delete layout of %s: %w", id, err)
	}
	if render.ScreenshotKey != "" {
		if err := s.blobs.Delete(ctx, render.ScreenshotKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("delete screenshot of %s: %w", id, err)
		}
	}
	if err := s.store.DeleteRender(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Deleted render", "render_id", id, "comparisons", len(dependents))
	return nil
}

func screenshotKey(renderID string) string {
	return "renders/" + renderID + "/screenshot.png"
}
