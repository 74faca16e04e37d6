package models

import "time"

// NumEntries is the number of horizontal slices layout and diff tables are split into.
const NumEntries = 64

type ChunkKind string

const (
	ChunkLayout  ChunkKind = "layout"
	ChunkDelta   ChunkKind = "delta"
	ChunkDynamic ChunkKind = "dynamic"
)

type Chunk struct {
	OwnerID string    `db:"owner_id" json:"owner_id"`
	Kind    ChunkKind `db:"kind" json:"kind"`
	Index   int       `db:"idx" json:"index"`
	Content []byte    `db:"content" json:"content"`
	Length  int       `db:"length" json:"length"`
}

type PageRender struct {
	ID             string            `db:"id" json:"id"`
	Token          string            `db:"token" json:"token"`
	WorkItemID     string            `db:"work_item_id" json:"work_item_id,omitempty"`
	URL            string            `db:"url" json:"url"`
	Site           string            `db:"site" json:"site"`
	OS             string            `db:"os" json:"os"`
	Browser        string            `db:"browser" json:"browser"`
	Channel        string            `db:"channel" json:"channel"`
	Version        string            `db:"version" json:"version"`
	IsReference    bool              `db:"is_reference" json:"is_reference"`
	Compared       bool              `db:"compared" json:"compared"`
	Width          int               `db:"width" json:"width"`
	Height         int               `db:"height" json:"height"`
	NodesTable     string            `db:"nodes_table" json:"nodes_table"`
	DynamicContent []int             `db:"dynamic_content" json:"dynamic_content,omitempty"`
	ScreenshotKey  string            `db:"screenshot_key" json:"screenshot_key,omitempty"`
	Metadata       map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
}

func (r *PageRender) BrowserKey() string {
	return LeaseKey(r.Browser, r.Version)
}

const ScorePending = -1.0

type Comparison struct {
	ID            string     `db:"id" json:"id"`
	Token         string     `db:"token" json:"token"`
	URL           string     `db:"url" json:"url"`
	TestRenderID  string     `db:"test_render_id" json:"test_render_id"`
	RefRenderID   string     `db:"ref_render_id" json:"ref_render_id"`
	TestBrowser   string     `db:"test_browser" json:"test_browser"`
	TestChannel   string     `db:"test_channel" json:"test_channel"`
	TestVersion   string     `db:"test_version" json:"test_version"`
	RefBrowser    string     `db:"ref_browser" json:"ref_browser"`
	RefChannel    string     `db:"ref_channel" json:"ref_channel"`
	RefVersion    string     `db:"ref_version" json:"ref_version"`
	Score         float64    `db:"score" json:"score"`
	CompareKey    string     `db:"compare_key" json:"compare_key"`
	Ignore        bool       `db:"ignore" json:"ignore"`
	Comments      string     `db:"comments" json:"comments,omitempty"`
	Bugs          []string   `db:"bugs" json:"bugs,omitempty"`
	DeltaIndex    []int      `db:"delta_index" json:"delta_index,omitempty"`
	ElemCountTest int        `db:"elem_count_test" json:"elem_count_test"`
	ElemCountRef  int        `db:"elem_count_ref" json:"elem_count_ref"`
	UnmatchedTest int        `db:"unmatched_test" json:"unmatched_test"`
	UnmatchedRef  int        `db:"unmatched_ref" json:"unmatched_ref"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	ComputedAt    *time.Time `db:"computed_at" json:"computed_at,omitempty"`
}

// Computed reports whether all diff parts were reduced into a score.
func (c *Comparison) Computed() bool {
	return c.Score >= 0
}

func (c *Comparison) TestBrowserKey() string {
	return LeaseKey(c.TestBrowser, c.TestVersion)
}

func CompareKey(test, ref *PageRender) string {
	return test.BrowserKey() + "_" + ref.BrowserKey() + "_" + test.URL
}

type BrowserScore struct {
	Token       string    `db:"token" json:"token"`
	Browser     string    `db:"browser" json:"browser"`
	LayoutScore float64   `db:"layout_score" json:"layout_score"`
	NumURLs     int       `db:"num_urls" json:"num_urls"`
	Date        time.Time `db:"date" json:"date"`
}
