package reducer

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"qualitybots/internal/events"
	"qualitybots/internal/models"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
	"qualitybots/internal/tracing"
)

// Node is one DOM element of a render's nodes table.
type Node struct {
	Path string  `json:"p"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Same reports whether two nodes are treated as the same element: equal
// case-insensitive paths, or identical geometry.
func (n Node) Same(o Node) bool {
	return strings.EqualFold(n.Path, o.Path) ||
		(n.W == o.W && n.H == o.H && n.X == o.X && n.Y == o.Y)
}

// DiffEntry is one mismatched or dynamic pixel: (x, y, test node, ref node).
type DiffEntry [4]int

// DecodeNodesTable accepts the table as plain JSON or as base64 of its
// zlib-compressed JSON.
func DecodeNodesTable(raw string) ([]Node, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if !strings.Contains(raw, "[") && !strings.Contains(raw, "{") {
		compressed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("decode nodes table: %w", err)
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("inflate nodes table: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("inflate nodes table: %w", err)
		}
	}
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parse nodes table: %w", err)
	}
	return nodes, nil
}

// EncodeNodesTable is the inverse of the compressed form DecodeNodesTable reads.
func EncodeNodesTable(nodes []Node) (string, error) {
	raw, err := json.Marshal(nodes)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// cell is a layout table entry: the owning node id, either as a number or
// as a string whose first field is the id. Unreadable cells become -1.
type cell int

func (c *cell) UnmarshalJSON(b []byte) error {
	*c = -1
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*c = cell(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	if fields := strings.Fields(s); len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			*c = cell(n)
		}
	}
	return nil
}

func (s *Service) layoutRows(ctx context.Context, renderID string, part int) ([][]cell, error) {
	chunk, err := s.store.GetChunk(ctx, renderID, models.ChunkLayout, part)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows [][]cell
	if err := json.Unmarshal(chunk.Content, &rows); err != nil {
		return nil, fmt.Errorf("parse layout part %d of %s: %w", part, renderID, err)
	}
	return rows, nil
}

// ComputeDeltaByPart diffs horizontal slice part of the two layout tables and
// overwrites that part's delta and dynamic entries. Once every part has a
// delta entry the score computation is scheduled.
func (s *Service) ComputeDeltaByPart(ctx context.Context, comparisonID string, part int) (err error) {
	ctx, span := tracing.StartSpan(ctx, "reducer.ComputeDeltaByPart",
		attribute.String("comparison.id", comparisonID), attribute.Int("comparison.part", part))
	defer func() { tracing.End(span, err) }()

	if part < 0 || part >= models.NumEntries {
		return fmt.Errorf("%w: part %d outside [0,%d)", ErrInvalidChunk, part, models.NumEntries)
	}
	cmp, err := s.store.GetComparison(ctx, comparisonID)
	if err != nil {
		return err
	}
	test, err := s.store.GetRender(ctx, cmp.TestRenderID)
	if err != nil {
		return fmt.Errorf("load test render: %w", err)
	}
	ref, err := s.store.GetRender(ctx, cmp.RefRenderID)
	if err != nil {
		return fmt.Errorf("load reference render: %w", err)
	}

	testRows, err := s.layoutRows(ctx, test.ID, part)
	if err != nil {
		return err
	}
	if testRows != nil {
		refRows, err := s.layoutRows(ctx, ref.ID, part)
		if err != nil {
			return err
		}
		testNodes, err := DecodeNodesTable(test.NodesTable)
		if err != nil {
			return tasks.Permanent(fmt.Errorf("test render %s: %w", test.ID, err))
		}
		refNodes, err := DecodeNodesTable(ref.NodesTable)
		if err != nil {
			return tasks.Permanent(fmt.Errorf("reference render %s: %w", ref.ID, err))
		}

		partLength := int(math.Ceil(float64(test.Height) / models.NumEntries))
		mismatches, dynamic := diffRows(testRows, refRows, testNodes, refNodes,
			idSet(test.DynamicContent), idSet(ref.DynamicContent), part*partLength)

		if err := s.putEntries(ctx, cmp.ID, models.ChunkDelta, part, mismatches); err != nil {
			return err
		}
		if err := s.putEntries(ctx, cmp.ID, models.ChunkDynamic, part, dynamic); err != nil {
			return err
		}
		partsComputed.Inc()
	}

	n, err := s.store.CountChunks(ctx, cmp.ID, models.ChunkDelta)
	if err != nil {
		return fmt.Errorf("count delta parts of %s: %w", cmp.ID, err)
	}
	if n < models.NumEntries {
		return nil
	}
	_, err = s.tasks.Defer(ctx, TaskComputeScore, scoreArgs{ComparisonID: cmp.ID},
		tasks.WithDedupKey(cmp.ID+"/score"))
	return err
}

func diffRows(testRows, refRows [][]cell, testNodes, refNodes []Node, testDynamic, refDynamic map[int]struct{}, yOffset int) (mismatches, dynamic []DiffEntry) {
	mismatches, dynamic = []DiffEntry{}, []DiffEntry{}
	for i := 0; i < min(len(testRows), len(refRows)); i++ {
		for j := 0; j < min(len(testRows[i]), len(refRows[i])); j++ {
			testID, refID := int(testRows[i][j]), int(refRows[i][j])
			if testID < 0 || refID < 0 {
				continue
			}
			entry := DiffEntry{j, i + yOffset, testID, refID}
			_, testDyn := testDynamic[testID]
			_, refDyn := refDynamic[refID]
			if testDyn || refDyn {
				dynamic = append(dynamic, entry)
				continue
			}
			if testID >= len(testNodes) || refID >= len(refNodes) {
				continue
			}
			if !testNodes[testID].Same(refNodes[refID]) {
				mismatches = append(mismatches, entry)
			}
		}
	}
	return mismatches, dynamic
}

func idSet(ids []int) map[int]struct{} {
	return lo.SliceToMap(ids, func(id int) (int, struct{}) { return id, struct{}{} })
}

func (s *Service) putEntries(ctx context.Context, ownerID string, kind models.ChunkKind, part int, entries []DiffEntry) error {
	content, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := s.store.PutChunk(ctx, &models.Chunk{
		OwnerID: ownerID,
		Kind:    kind,
		Index:   part,
		Content: content,
		Length:  len(entries),
	}); err != nil {
		return fmt.Errorf("store %s part %d of %s: %w", kind, part, ownerID, err)
	}
	return nil
}

// ComputeScore reduces a comparison's delta parts into its score. It is a
// no-op on an already scored comparison and fails with ErrNotReady while
// parts are missing. The test render's layout table is dropped afterwards.
func (s *Service) ComputeScore(ctx context.Context, comparisonID string) (cmp *models.Comparison, err error) {
	ctx, span := tracing.StartSpan(ctx, "reducer.ComputeScore", attribute.String("comparison.id", comparisonID))
	defer func() { tracing.End(span, err) }()

	cmp, err = s.store.GetComparison(ctx, comparisonID)
	if err != nil {
		return nil, err
	}
	if cmp.Computed() {
		return cmp, nil
	}
	parts, err := s.store.ListChunks(ctx, cmp.ID, models.ChunkDelta)
	if err != nil {
		return nil, fmt.Errorf("list delta parts of %s: %w", cmp.ID, err)
	}
	if len(parts) < models.NumEntries {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotReady, len(parts), models.NumEntries)
	}
	test, err := s.store.GetRender(ctx, cmp.TestRenderID)
	if err != nil {
		return nil, fmt.Errorf("load test render: %w", err)
	}
	ref, err := s.store.GetRender(ctx, cmp.RefRenderID)
	if err != nil {
		return nil, fmt.Errorf("load reference render: %w", err)
	}

	mismatched := 0
	deltaIndex := []int{}
	testUnmatched, refUnmatched := map[int]struct{}{}, map[int]struct{}{}
	for _, p := range parts {
		mismatched += p.Length
		if p.Length == 0 {
			continue
		}
		deltaIndex = append(deltaIndex, p.Index)
		var entries []DiffEntry
		if err := json.Unmarshal(p.Content, &entries); err != nil {
			s.logger.Warn("Skipping unreadable delta part", "comparison_id", cmp.ID, "part", p.Index, "error", err)
			continue
		}
		for _, e := range entries {
			testUnmatched[e[2]] = struct{}{}
			refUnmatched[e[3]] = struct{}{}
		}
	}
	score := Score(mismatched, ref.Width, ref.Height)
	if ref.Width*ref.Height <= 0 {
		s.logger.Warn("Reference render has no area, scoring as 0", "comparison_id", cmp.ID, "render_id", ref.ID)
	}

	testNodes, err := DecodeNodesTable(test.NodesTable)
	if err != nil {
		s.logger.Warn("Unreadable test nodes table", "render_id", test.ID, "error", err)
	}
	refNodes, err := DecodeNodesTable(ref.NodesTable)
	if err != nil {
		s.logger.Warn("Unreadable reference nodes table", "render_id", ref.ID, "error", err)
	}

	now := s.now()
	cmp, err = s.store.UpdateComparison(ctx, cmp.ID, func(c *models.Comparison) error {
		if c.Computed() {
			return nil
		}
		c.Score = score
		c.DeltaIndex = deltaIndex
		c.ElemCountTest = len(testNodes)
		c.ElemCountRef = len(refNodes)
		c.UnmatchedTest = len(testUnmatched)
		c.UnmatchedRef = len(refUnmatched)
		c.ComputedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record score of %s: %w", comparisonID, err)
	}
	if _, err := s.store.DeleteChunks(ctx, test.ID, models.ChunkLayout); err != nil {
		s.logger.Warn("Failed to drop test layout table", "render_id", test.ID, "error", err)
	}

	scoresComputed.Observe(cmp.Score)
	s.logger.Info("Computed score", "comparison_id", cmp.ID, "token", cmp.Token, "url", cmp.URL,
		"score", cmp.Score, "mismatched", mismatched)
	s.events.Publish(events.Event{
		Level:   "info",
		Type:    events.TypeScoreComputed,
		Message: "Comparison scored",
		Token:   cmp.Token,
		Metadata: map[string]string{
			"comparison_id": cmp.ID,
			"url":           cmp.URL,
			"score":         strconv.FormatFloat(cmp.Score, 'f', 2, 64),
		},
	})
	return cmp, nil
}

// Score is 100 minus the mismatched share of the reference page's pixels,
// clamped to [0, 100].
func Score(mismatched, width, height int) float64 {
	pixels := width * height
	if pixels <= 0 {
		return 0
	}
	score := 100 - float64(mismatched)/float64(pixels)*100
	return math.Max(0, math.Min(100, score))
}
