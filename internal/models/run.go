package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	BrowserChrome  = "chrome"
	BrowserFirefox = "firefox"

	OSWindows = "windows"
	OSLinux   = "linux"
	OSMac     = "mac"

	ChannelStable = "stable"
)

// Configuration is one (os, browser, channel) cell of the test matrix with its
// resolved version and installer.
type Configuration struct {
	OS           string `json:"os"`
	Browser      string `json:"browser"`
	Channel      string `json:"channel"`
	Version      string `json:"version"`
	InstallerURL string `json:"installer_url"`
}

func (c Configuration) LeaseKey() string {
	return LeaseKey(c.Browser, c.Version)
}

type Run struct {
	Token             string          `db:"token" json:"token"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	URLCount          int             `db:"url_count" json:"url_count"`
	MachinesPerConfig int             `db:"machines_per_config" json:"machines_per_config"`
	Configurations    []Configuration `db:"configurations" json:"configurations"`
	Reference         Configuration   `db:"reference" json:"reference"`
	ClientInfo        string          `db:"client_info" json:"client_info"`
	ExpiredAt         *time.Time      `db:"expired_at" json:"expired_at,omitempty"`
}

// ReferenceBinding is the reference browser every test render in a run is
// compared against. The reference is one OS-specific install.
type ReferenceBinding struct {
	RefBrowser        string `json:"refBrowser"`
	RefBrowserChannel string `json:"refBrowserChannel"`
	RefOS             string `json:"refOS,omitempty"`
}

// NewClientInfo encodes the reference as "<browser>/<version>" plus its channel and OS.
func NewClientInfo(ref Configuration) string {
	data, _ := json.Marshal(ReferenceBinding{
		RefBrowser:        LeaseKey(ref.Browser, ref.Version),
		RefBrowserChannel: ref.Channel,
		RefOS:             strings.ToLower(ref.OS),
	})
	return string(data)
}

// Matches reports whether a render taken on os with browserKey and channel is
// the reference install. An empty channel on either side matches any channel.
func (b ReferenceBinding) Matches(os, browserKey, channel string) bool {
	if browserKey != b.RefBrowser || !strings.EqualFold(os, b.RefOS) {
		return false
	}
	return b.RefBrowserChannel == "" || channel == "" || channel == b.RefBrowserChannel
}

func ParseClientInfo(raw string) (ReferenceBinding, error) {
	var b ReferenceBinding
	err := json.Unmarshal([]byte(raw), &b)
	return b, err
}
