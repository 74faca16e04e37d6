package channels

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"qualitybots/internal/models"
)

const DefaultChromeFeedURL = "https://omahaproxy.appspot.com/all?csv=1"

var (
	chromeChannels  = []string{"canary", "dev", "beta", "stable"}
	chromeOSes      = []string{"cf", "linux", "mac", "win", "cros"}
	chromeOSAliases = map[string]string{
		"windows":   "win",
		"chromeos":  "cros",
		"macintosh": "mac",
		"osx":       "mac",
	}
)

// ChromeSource reads the CSV release feed with os, channel,
// current_version and dl_url columns.
type ChromeSource struct {
	url    string
	client *retryablehttp.Client
}

func NewChromeSource(url string, client *retryablehttp.Client) *ChromeSource {
	if url == "" {
		url = DefaultChromeFeedURL
	}
	return &ChromeSource{url: url, client: client}
}

func (c *ChromeSource) Browser() string { return models.BrowserChrome }

func (c *ChromeSource) NormalizeOS(os string) (string, error) {
	return normalize(os, chromeOSAliases, chromeOSes, ErrInvalidOS)
}

func (c *ChromeSource) NormalizeChannel(channel string) (string, error) {
	return normalize(channel, nil, chromeChannels, ErrInvalidChannel)
}

func (c *ChromeSource) Fetch(ctx context.Context) ([]Release, error) {
	resp, err := fetch(ctx, c.client, c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return parseChromeCSV(resp.Body)
}

func parseChromeCSV(r io.Reader) ([]Release, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read chrome feed header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"os", "channel", "current_version", "dl_url"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("chrome feed is missing column %q", required)
		}
	}

	var releases []Release
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chrome feed: %w", err)
		}
		get := func(name string) string {
			if i := col[name]; i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		rel := Release{
			Browser:     models.BrowserChrome,
			OS:          strings.ToLower(get("os")),
			Channel:     strings.ToLower(get("channel")),
			Version:     get("current_version"),
			DownloadURL: get("dl_url"),
		}
		if rel.OS == "" || rel.Channel == "" || rel.Version == "" || rel.DownloadURL == "" {
			return nil, fmt.Errorf("chrome feed row is incomplete: %v", row)
		}
		releases = append(releases, rel)
	}
	return releases, nil
}
