package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"qualitybots/internal/channels"
	"qualitybots/internal/machines"
	"qualitybots/internal/models"
	"qualitybots/internal/orchestrator"
	"qualitybots/internal/queue"
	"qualitybots/internal/reducer"
	"qualitybots/internal/store"
	"qualitybots/internal/useragent"
)

type acceptRequest struct {
	Token      string `json:"token" binding:"required"`
	InstanceID string `json:"instance_id" binding:"required"`
	UserAgent  string `json:"user_agent"`
}

// POST /api/v1/worker/accept
// 200 with the leased item, or 204 when the machine should shut down.
func (s *Server) acceptWork(c *gin.Context) {
	var req acceptRequest
	if !bind(c, &req) {
		return
	}
	ua := lo.Ternary(req.UserAgent != "", req.UserAgent, c.Request.UserAgent())
	item, err := s.deps.Runs.AcceptWork(c.Request.Context(), req.Token, req.InstanceID, ua)
	if err != nil {
		s.fail(c, err)
		return
	}
	if item == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, item)
}

type finishRequest struct {
	InstanceID string              `json:"instance_id" binding:"required"`
	Result     models.FinishResult `json:"result" binding:"required"`
}

// POST /api/v1/worker/items/:id/finish
func (s *Server) finishWork(c *gin.Context) {
	var req finishRequest
	if !bind(c, &req) {
		return
	}
	item, err := s.deps.Items.Finish(c.Request.Context(), c.Param("id"), req.InstanceID, req.Result)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// POST /api/v1/worker/renders
func (s *Server) createRender(c *gin.Context) {
	var req reducer.CreateRenderRequest
	if !bind(c, &req) {
		return
	}
	render, err := s.deps.Results.CreateRender(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": render.ID, "is_reference": render.IsReference, "n_pieces": models.NumEntries})
}

// PUT /api/v1/worker/renders/:id/chunks/:index
// The body is the JSON layout rows of that slice.
func (s *Server) uploadChunk(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk index"})
		return
	}
	payload, ok := readBody(c)
	if !ok {
		return
	}
	ready, err := s.deps.Results.UploadRenderChunk(c.Request.Context(), c.Param("id"), index, payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": ready})
}

// POST /api/v1/worker/machines/:id/init
func (s *Server) initStarted(c *gin.Context) {
	m, err := s.deps.Machines.InitializationStarted(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type installRequest struct {
	Succeeded bool   `json:"succeeded"`
	Log       string `json:"log"`
}

// POST /api/v1/worker/machines/:id/install
func (s *Server) installResult(c *gin.Context) {
	var req installRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	var (
		m   *models.Machine
		err error
	)
	if req.Succeeded {
		m, err = s.deps.Machines.InstallSucceeded(ctx, c.Param("id"), []byte(req.Log))
	} else {
		m, err = s.deps.Machines.InstallFailed(ctx, c.Param("id"), []byte(req.Log))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// PUT /api/v1/worker/machines/:id/logs/:kind
func (s *Server) uploadLog(c *gin.Context) {
	data, ok := readBody(c)
	if !ok {
		return
	}
	key, err := s.deps.Machines.UploadLog(c.Request.Context(), c.Param("id"), machines.LogKind(c.Param("kind")), data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// POST /api/v1/admin/runs
func (s *Server) startRun(c *gin.Context) {
	var req orchestrator.StartRunRequest
	if !bind(c, &req) {
		return
	}
	run, err := s.deps.Runs.StartRun(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// GET /api/v1/admin/runs/:token
func (s *Server) inspectRun(c *gin.Context) {
	status, err := s.deps.Runs.Inspect(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/admin/runs/:token/expire
func (s *Server) expireRun(c *gin.Context) {
	res, err := s.deps.Runs.ExpireRun(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /api/v1/admin/runs/:token/scores
func (s *Server) computeScores(c *gin.Context) {
	scores, err := s.deps.Scores.ComputeAverageScore(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores})
}

// GET /api/v1/admin/scores?token=a&token=b
func (s *Server) multiRunScores(c *gin.Context) {
	tokens := lo.Compact(lo.Map(c.QueryArray("token"), func(t string, _ int) string { return strings.TrimSpace(t) }))
	if len(tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one token is required"})
		return
	}
	scores, err := s.deps.Scores.ComputeMultiRunAverage(c.Request.Context(), tokens)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores})
}

// GET /api/v1/admin/machines/:id
func (s *Server) getMachine(c *gin.Context) {
	m, err := s.deps.Machines.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// PATCH /api/v1/admin/comparisons/:id
func (s *Server) annotateComparison(c *gin.Context) {
	var req reducer.Annotation
	if !bind(c, &req) {
		return
	}
	cmp, err := s.deps.Results.Annotate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// DELETE /api/v1/admin/comparisons/:id
func (s *Server) deleteComparison(c *gin.Context) {
	if err := s.deps.Results.DeleteComparison(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /api/v1/admin/renders/:id
func (s *Server) deleteRender(c *gin.Context) {
	if err := s.deps.Results.DeleteRender(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/admin/sweep
func (s *Server) sweep(c *gin.Context) {
	res, err := s.deps.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return false
	}
	return true
}

func readBody(c *gin.Context) ([]byte, bool) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	return data, true
}

// fail maps service errors onto status codes. Unknown errors are logged and
// reported as 500 without detail.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotInProgress),
		errors.Is(err, orchestrator.ErrRunExpired),
		errors.Is(err, reducer.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidResult),
		errors.Is(err, orchestrator.ErrNoURLs),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, orchestrator.ErrReferenceUnresolved),
		errors.Is(err, reducer.ErrInvalidChunk),
		errors.Is(err, reducer.ErrInvalidRender),
		errors.Is(err, machines.ErrUnknownLogKind),
		errors.Is(err, useragent.ErrMissing),
		errors.Is(err, useragent.ErrUnsupported),
		errors.Is(err, channels.ErrUnknownBrowser):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
