package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"qualitybots/internal/models"
	"qualitybots/internal/reducer"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36"

// renderWidth and renderHeight give each layout chunk exactly one row.
const (
	renderWidth  = 8
	renderHeight = models.NumEntries
)

type stats struct {
	leased   atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
	renders  atomic.Int64
}

type client struct {
	http  *retryablehttp.Client
	base  string
	token string
}

// loadgen impersonates a fleet of worker machines against a running server:
// each machine leases items until the server answers 204, optionally uploads
// a synthetic render and reports a result.
func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "Server base URL")
	runToken := flag.String("run", "", "Run token to pull work from")
	workerToken := flag.String("worker-token", os.Getenv("QB_WORKER_TOKEN"), "Bearer token for worker routes")
	machines := flag.Int("machines", 4, "Number of simulated machines")
	userAgent := flag.String("user-agent", defaultUserAgent, "User agent every machine reports")
	failPercent := flag.Int("fail-percent", 10, "Percentage of items reported as failed")
	uploadRenders := flag.Bool("renders", false, "Upload a synthetic render per successful item")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *runToken == "" {
		log.Fatal("--run is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = 3
	c := &client{http: hc, base: strings.TrimRight(*addr, "/"), token: *workerToken}

	var mu sync.Mutex
	r := rand.New(rand.NewSource(*seed))
	roll := func() int {
		mu.Lock()
		defer mu.Unlock()
		return r.Intn(100)
	}

	var st stats
	start := time.Now()
	log.Printf("Starting %d machines against run %s...", *machines, *runToken)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *machines; i++ {
		instanceID := fmt.Sprintf("loadgen-%d-%d", os.Getpid(), i)
		g.Go(func() error {
			for gctx.Err() == nil {
				item, err := c.accept(gctx, *runToken, instanceID, *userAgent)
				if err != nil {
					return fmt.Errorf("%s accept: %w", instanceID, err)
				}
				if item == nil {
					return nil
				}
				st.leased.Add(1)

				result := models.ResultSuccess
				if roll() < *failPercent {
					result = models.ResultFailed
				} else if *uploadRenders {
					if err := c.uploadRender(gctx, item); err != nil {
						return fmt.Errorf("%s render: %w", instanceID, err)
					}
					st.renders.Add(1)
				}
				if err := c.finish(gctx, item.ID, instanceID, result); err != nil {
					return fmt.Errorf("%s finish: %w", instanceID, err)
				}
				if result == models.ResultSuccess {
					st.finished.Add(1)
				} else {
					st.failed.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	log.Printf("Done in %v: leased=%d finished=%d failed=%d renders=%d",
		time.Since(start), st.leased.Load(), st.finished.Load(), st.failed.Load(), st.renders.Load())
}

func (c *client) accept(ctx context.Context, token, instanceID, ua string) (*models.WorkItem, error) {
	body := map[string]string{"token": token, "instance_id": instanceID, "user_agent": ua}
	var item models.WorkItem
	status, err := c.do(ctx, http.MethodPost, "/api/v1/worker/accept", body, &item)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &item, nil
}

func (c *client) finish(ctx context.Context, itemID, instanceID string, result models.FinishResult) error {
	body := map[string]string{"instance_id": instanceID, "result": string(result)}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/worker/items/"+itemID+"/finish", body, nil)
	return err
}

func (c *client) uploadRender(ctx context.Context, item *models.WorkItem) error {
	nodes, err := reducer.EncodeNodesTable([]reducer.Node{
		{Path: "/html/body", W: renderWidth, H: renderHeight},
	})
	if err != nil {
		return err
	}
	req := reducer.CreateRenderRequest{
		Token:      item.Token,
		WorkItemID: item.ID,
		URL:        item.URL,
		OS:         item.OS,
		Browser:    item.Browser,
		Channel:    item.Channel,
		Version:    item.BrowserVersion,
		Width:      renderWidth,
		Height:     renderHeight,
		NodesTable: nodes,
	}
	var created struct {
		ID string `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/worker/renders", req, &created); err != nil {
		return err
	}

	row := make([]int, renderWidth)
	for i := 0; i < models.NumEntries; i++ {
		path := fmt.Sprintf("/api/v1/worker/renders/%s/chunks/%d", created.ID, i)
		if _, err := c.do(ctx, http.MethodPut, path, [][]int{row}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
