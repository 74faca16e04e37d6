package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"qualitybots/internal/models"
)

const (
	DefaultFirefoxFeedURL     = "https://product-details.mozilla.org/1.0/firefox_versions.json"
	DefaultFirefoxDownloadURL = "https://download.mozilla.org/"
)

var (
	firefoxChannels  = []string{"stable", "beta", "aurora", "nightly"}
	firefoxOSes      = []string{"win", "linux", "mac"}
	firefoxOSAliases = map[string]string{
		"windows":   "win",
		"macintosh": "mac",
		"osx":       "mac",
	}
	// product-details key carrying each channel's version.
	firefoxFeedKeys = map[string]string{
		"stable":  "LATEST_FIREFOX_VERSION",
		"beta":    "LATEST_FIREFOX_DEVEL_VERSION",
		"aurora":  "FIREFOX_DEVEDITION",
		"nightly": "FIREFOX_NIGHTLY",
	}
	firefoxDownloadOS = map[string]string{"win": "win", "linux": "linux", "mac": "osx"}
)

// FirefoxSource reads Mozilla's product-details version feed and derives
// installer URLs from the download redirector.
type FirefoxSource struct {
	url         string
	downloadURL string
	client      *retryablehttp.Client
}

func NewFirefoxSource(feedURL, downloadURL string, client *retryablehttp.Client) *FirefoxSource {
	if feedURL == "" {
		feedURL = DefaultFirefoxFeedURL
	}
	if downloadURL == "" {
		downloadURL = DefaultFirefoxDownloadURL
	}
	return &FirefoxSource{url: feedURL, downloadURL: downloadURL, client: client}
}

func (f *FirefoxSource) Browser() string { return models.BrowserFirefox }

func (f *FirefoxSource) NormalizeOS(os string) (string, error) {
	return normalize(os, firefoxOSAliases, firefoxOSes, ErrInvalidOS)
}

func (f *FirefoxSource) NormalizeChannel(channel string) (string, error) {
	return normalize(channel, nil, firefoxChannels, ErrInvalidChannel)
}

func (f *FirefoxSource) Fetch(ctx context.Context) ([]Release, error) {
	resp, err := fetch(ctx, f.client, f.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var feed map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode firefox feed: %w", err)
	}
	var releases []Release
	for _, channel := range firefoxChannels {
		version := feed[firefoxFeedKeys[channel]]
		if version == "" {
			continue
		}
		for _, os := range firefoxOSes {
			releases = append(releases, Release{
				Browser:     models.BrowserFirefox,
				OS:          os,
				Channel:     channel,
				Version:     version,
				DownloadURL: f.installerURL(version, os),
			})
		}
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("firefox feed has no known channel keys")
	}
	return releases, nil
}

func (f *FirefoxSource) installerURL(version, os string) string {
	q := url.Values{}
	q.Set("product", "firefox-"+version)
	q.Set("os", firefoxDownloadOS[os])
	q.Set("lang", "en-US")
	return f.downloadURL + "?" + q.Encode()
}
