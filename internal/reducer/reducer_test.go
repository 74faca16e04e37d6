package reducer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"qualitybots/internal/blob"
	"qualitybots/internal/models"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

const token = "run-1"

type fixture struct {
	svc    *Service
	store  *store.Memory
	blobs  *blob.Memory
	runner *tasks.Runner
}

func newFixture(t *testing.T) *fixture {
	return newWrappedFixture(t, nil, nil)
}

// newWrappedFixture lets a test put its own store or deferrer in front of the
// service. The fixture's store field stays the underlying memory store.
func newWrappedFixture(t *testing.T, wrapStore func(*store.Memory) store.Store, wrapTasks func(tasks.Deferrer) tasks.Deferrer) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	blobs := blob.NewMemory()
	q := tasks.NewQueue(st)
	runner := tasks.NewRunner(q, tasks.RunnerConfig{WorkerID: "test"}, logger)
	var svcStore store.Store = st
	if wrapStore != nil {
		svcStore = wrapStore(st)
	}
	var deferrer tasks.Deferrer = q
	if wrapTasks != nil {
		deferrer = wrapTasks(q)
	}
	svc := NewService(svcStore, blobs, deferrer, nil, logger)
	svc.RegisterHandlers(runner)

	ref := models.Configuration{OS: models.OSWindows, Browser: models.BrowserChrome, Channel: models.ChannelStable, Version: "120.0.6099.71"}
	if err := st.InsertRun(context.Background(), &models.Run{
		Token:      token,
		CreatedAt:  time.Now(),
		Reference:  ref,
		ClientInfo: models.NewClientInfo(ref),
	}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return &fixture{svc: svc, store: st, blobs: blobs, runner: runner}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if _, err := f.runner.Drain(context.Background(), time.Minute); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func nodesJSON(t *testing.T, nodes []Node) string {
	t.Helper()
	raw, err := json.Marshal(nodes)
	if err != nil {
		t.Fatalf("marshal nodes: %v", err)
	}
	return string(raw)
}

func (f *fixture) render(t *testing.T, url, browser, version string, nodesTable string, dynamic []int, screenshot []byte) *models.PageRender {
	t.Helper()
	return f.renderOn(t, models.OSWindows, url, browser, version, nodesTable, dynamic, screenshot)
}

func (f *fixture) renderOn(t *testing.T, os, url, browser, version string, nodesTable string, dynamic []int, screenshot []byte) *models.PageRender {
	t.Helper()
	r, err := f.svc.CreateRender(context.Background(), CreateRenderRequest{
		Token:          token,
		URL:            url,
		OS:             os,
		Browser:        browser,
		Channel:        models.ChannelStable,
		Version:        version,
		Width:          4,
		Height:         models.NumEntries,
		NodesTable:     nodesTable,
		DynamicContent: dynamic,
		Screenshot:     screenshot,
	})
	if err != nil {
		t.Fatalf("create render: %v", err)
	}
	return r
}

func (f *fixture) upload(t *testing.T, renderID string, row func(part int) []any) {
	t.Helper()
	for part := 0; part < models.NumEntries; part++ {
		payload, _ := json.Marshal([][]any{row(part)})
		if _, err := f.svc.UploadRenderChunk(context.Background(), renderID, part, payload); err != nil {
			t.Fatalf("upload part %d: %v", part, err)
		}
	}
}

func TestPairDiffAndScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	refNodes := []Node{
		{Path: "/HTML", W: 4, H: 64},
		{Path: "/html/body/span", W: 1, H: 1, X: 3, Y: 0},
	}
	testNodes := []Node{
		{Path: "/html", W: 4, H: 64},
		{Path: "/html/body/div", W: 2, H: 1, X: 2, Y: 0},
		{Path: "/html/body/iframe", W: 1, H: 1},
	}
	compressed, err := EncodeNodesTable(testNodes)
	if err != nil {
		t.Fatalf("encode nodes: %v", err)
	}

	ref := f.render(t, "https://a.example.com/", "chrome", "120.0.6099.71", nodesJSON(t, refNodes), nil, []byte("png-ref"))
	test := f.render(t, "https://a.example.com/", "firefox", "121.0", compressed, []int{2}, nil)
	if !ref.IsReference || test.IsReference {
		t.Fatalf("reference detection wrong: ref=%v test=%v", ref.IsReference, test.IsReference)
	}

	f.upload(t, ref.ID, func(int) []any { return []any{0, 0, 1, 1} })
	f.upload(t, test.ID, func(part int) []any {
		if part == 0 {
			return []any{0, 2, 1, -1}
		}
		return []any{0, 0, 1, "1 7 extra"}
	})
	f.drain(t)

	cmps, err := f.store.ListComparisons(ctx, store.ComparisonFilter{Token: token})
	if err != nil || len(cmps) != 1 {
		t.Fatalf("expected one comparison, got %d (err=%v)", len(cmps), err)
	}
	cmp := cmps[0]
	// Part 0: one mismatch and one dynamic cell. Parts 1..63: two mismatches each.
	mismatched := 1 + 63*2
	want := 100 - float64(mismatched)/float64(4*models.NumEntries)*100
	if cmp.Score != want {
		t.Fatalf("score = %v, want %v", cmp.Score, want)
	}
	if len(cmp.DeltaIndex) != models.NumEntries || cmp.UnmatchedTest != 1 || cmp.UnmatchedRef != 1 {
		t.Fatalf("unexpected comparison stats: %+v", cmp)
	}
	if cmp.ElemCountTest != 3 || cmp.ElemCountRef != 2 {
		t.Fatalf("unexpected element counts: test=%d ref=%d", cmp.ElemCountTest, cmp.ElemCountRef)
	}
	if cmp.CompareKey != "firefox/121.0_chrome/120.0.6099.71_https://a.example.com/" {
		t.Fatalf("unexpected compare key %q", cmp.CompareKey)
	}

	dyn, err := f.store.GetChunk(ctx, cmp.ID, models.ChunkDynamic, 0)
	if err != nil || dyn.Length != 1 {
		t.Fatalf("expected one dynamic entry in part 0, got %+v err=%v", dyn, err)
	}
	if n, _ := f.store.CountChunks(ctx, test.ID, models.ChunkLayout); n != 0 {
		t.Fatalf("expected test layout dropped, %d parts remain", n)
	}
	if n, _ := f.store.CountChunks(ctx, ref.ID, models.ChunkLayout); n != models.NumEntries {
		t.Fatalf("reference layout should be kept, got %d parts", n)
	}

	// Rescoring is a no-op.
	again, err := f.svc.ComputeScore(ctx, cmp.ID)
	if err != nil || again.Score != want {
		t.Fatalf("rescore: %+v err=%v", again, err)
	}
}

func TestComputeDeltaByPartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodes := nodesJSON(t, []Node{{Path: "/a"}, {Path: "/b", W: 1}})
	ref := f.render(t, "https://b.example.com/", "chrome", "120.0.6099.71", nodes, nil, nil)
	test := f.render(t, "https://b.example.com/", "chrome", "121.0.6167.8", nodesJSON(t, []Node{{Path: "/a"}, {Path: "/c", W: 2}}), nil, nil)
	f.upload(t, ref.ID, func(int) []any { return []any{1, 1} })
	f.upload(t, test.ID, func(int) []any { return []any{1, 0} })

	cmp, err := f.svc.FindPairToCompare(ctx, token)
	if err != nil || cmp == nil {
		t.Fatalf("pair: %v %v", cmp, err)
	}
	for i := 0; i < 2; i++ {
		if err := f.svc.ComputeDeltaByPart(ctx, cmp.ID, 5); err != nil {
			t.Fatalf("compute part: %v", err)
		}
	}
	chunk, err := f.store.GetChunk(ctx, cmp.ID, models.ChunkDelta, 5)
	if err != nil {
		t.Fatalf("get delta part: %v", err)
	}
	var entries []DiffEntry
	if err := json.Unmarshal(chunk.Content, &entries); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	// (0,5): /c vs /b mismatch. (1,5): /a vs /b shares no path or geometry either.
	if len(entries) != 2 || entries[0] != (DiffEntry{0, 5, 1, 1}) {
		t.Fatalf("unexpected delta entries %v", entries)
	}
	if _, err := f.svc.ComputeScore(ctx, cmp.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestPairingAtMostOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodes := nodesJSON(t, []Node{{Path: "/a"}})
	ref := f.render(t, "https://c.example.com/", "chrome", "120.0.6099.71", nodes, nil, nil)
	f.upload(t, ref.ID, func(int) []any { return []any{0} })
	var tests []string
	for i := 0; i < 5; i++ {
		r := f.render(t, "https://c.example.com/", "firefox", fmt.Sprintf("12%d.0", i), nodes, nil, nil)
		f.upload(t, r.ID, func(int) []any { return []any{0} })
		tests = append(tests, r.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmp, err := f.svc.FindPairToCompare(ctx, token)
				if err != nil {
					t.Errorf("pair: %v", err)
					return
				}
				if cmp == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range tests {
		cmps, _ := f.store.ListComparisons(ctx, store.ComparisonFilter{RenderID: id})
		if len(cmps) != 1 {
			t.Fatalf("render %s paired %d times", id, len(cmps))
		}
	}
}

func TestPairingWaitsForReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodes := nodesJSON(t, []Node{{Path: "/a"}})
	ref := f.render(t, "https://d.example.com/", "chrome", "120.0.6099.71", nodes, nil, nil)
	test := f.render(t, "https://d.example.com/", "firefox", "121.0", nodes, nil, nil)
	f.upload(t, test.ID, func(int) []any { return []any{0} })

	if cmp, err := f.svc.FindPairToCompare(ctx, token); err != nil || cmp != nil {
		t.Fatalf("paired without a ready reference: %v %v", cmp, err)
	}
	f.upload(t, ref.ID, func(int) []any { return []any{0} })
	if cmp, err := f.svc.FindPairToCompare(ctx, token); err != nil || cmp == nil {
		t.Fatalf("expected a pair once the reference is ready: %v", err)
	}
}

func TestUploadRenderChunkValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.render(t, "https://e.example.com/", "chrome", "120.0.6099.71", "", nil, nil)

	for _, index := range []int{-1, models.NumEntries} {
		if _, err := f.svc.UploadRenderChunk(ctx, r.ID, index, []byte("[]")); !errors.Is(err, ErrInvalidChunk) {
			t.Fatalf("index %d: expected ErrInvalidChunk, got %v", index, err)
		}
	}
	if _, err := f.svc.UploadRenderChunk(ctx, r.ID, 0, []byte("{")); !errors.Is(err, ErrInvalidChunk) {
		t.Fatalf("expected ErrInvalidChunk for bad payload, got %v", err)
	}
	if _, err := f.svc.UploadRenderChunk(ctx, "missing", 0, []byte("[]")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Re-uploading a part overwrites it.
	for i := 0; i < 2; i++ {
		if ready, err := f.svc.UploadRenderChunk(ctx, r.ID, 3, []byte("[[1,2]]")); err != nil || ready {
			t.Fatalf("upload: ready=%v err=%v", ready, err)
		}
	}
	if n, _ := f.store.CountChunks(ctx, r.ID, models.ChunkLayout); n != 1 {
		t.Fatalf("expected one stored part, got %d", n)
	}
}

func TestDeleteRenderCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodes := nodesJSON(t, []Node{{Path: "/a"}})
	ref := f.render(t, "https://f.example.com/", "chrome", "120.0.6099.71", nodes, nil, []byte("png"))
	test := f.render(t, "https://f.example.com/", "firefox", "121.0", nodes, nil, nil)
	f.upload(t, ref.ID, func(int) []any { return []any{0} })
	f.upload(t, test.ID, func(int) []any { return []any{0} })
	f.drain(t)

	cmps, _ := f.store.ListComparisons(ctx, store.ComparisonFilter{Token: token})
	if len(cmps) != 1 || cmps[0].Score != 100 {
		t.Fatalf("expected one perfect comparison, got %+v", cmps)
	}
	if err := f.svc.DeleteRender(ctx, ref.ID); err != nil {
		t.Fatalf("delete render: %v", err)
	}
	if _, err := f.store.GetComparison(ctx, cmps[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("comparison survived: %v", err)
	}
	if n, _ := f.store.CountChunks(ctx, cmps[0].ID, models.ChunkDelta); n != 0 {
		t.Fatalf("delta parts survived: %d", n)
	}
	if n, _ := f.store.CountChunks(ctx, ref.ID, models.ChunkLayout); n != 0 {
		t.Fatalf("layout parts survived: %d", n)
	}
	if f.blobs.Len() != 0 {
		t.Fatalf("screenshot survived")
	}
	if _, err := f.store.GetRender(ctx, test.ID); err != nil {
		t.Fatalf("test render should remain: %v", err)
	}
}

func TestAnnotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.InsertComparison(ctx, &models.Comparison{ID: "cmp-1", Token: token, Score: 90}); err != nil {
		t.Fatalf("insert comparison: %v", err)
	}
	ignore, comments := true, "flaky ad slot"
	cmp, err := f.svc.Annotate(ctx, "cmp-1", Annotation{Ignore: &ignore, Comments: &comments, Bugs: []string{"1234"}})
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if !cmp.Ignore || cmp.Comments != comments || len(cmp.Bugs) != 1 {
		t.Fatalf("unexpected annotation: %+v", cmp)
	}
	cmp, _ = f.svc.Annotate(ctx, "cmp-1", Annotation{})
	if !cmp.Ignore || cmp.Comments != comments {
		t.Fatalf("empty annotation changed fields: %+v", cmp)
	}
}

func TestScoreBounds(t *testing.T) {
	cases := []struct {
		mismatched, w, h int
		want             float64
	}{
		{0, 10, 10, 100},
		{25, 10, 10, 75},
		{500, 10, 10, 0},
		{3, 0, 10, 0},
	}
	for _, tc := range cases {
		if got := Score(tc.mismatched, tc.w, tc.h); got != tc.want {
			t.Fatalf("Score(%d, %d, %d) = %v, want %v", tc.mismatched, tc.w, tc.h, got, tc.want)
		}
	}
}

func TestDecodeNodesTableForms(t *testing.T) {
	nodes := []Node{{Path: "/html", W: 10, H: 20}, {Path: "/html/body", X: 1, Y: 2}}
	compressed, err := EncodeNodesTable(nodes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	plain, _ := json.Marshal(nodes)
	for name, raw := range map[string]string{"plain": string(plain), "compressed": compressed} {
		got, err := DecodeNodesTable(raw)
		if err != nil || len(got) != 2 || got[1].Path != "/html/body" || got[0].H != 20 {
			t.Fatalf("%s: got %+v err=%v", name, got, err)
		}
	}
	if _, err := DecodeNodesTable("!!not base64!!"); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
