// Package useragent extracts browser, OS and layout engine from Chrome and
// Firefox user agent strings.
package useragent

import (
	"errors"
	"regexp"
	"strings"

	"qualitybots/internal/models"
)

var (
	ErrMissing     = errors.New("missing user agent")
	ErrUnsupported = errors.New("unsupported browser in user agent")
)

const (
	OSWindows  = "windows"
	OSLinux    = "linux"
	OSMac      = "macintosh"
	OSChromeOS = "cros"
	Unknown    = "unknown"

	EngineWebKit = "applewebkit"
	EngineGecko  = "gecko"
)

var (
	browserRe = regexp.MustCompile(`(firefox|chrome)/([bpre0-9.]*)`)
	osPartRe  = regexp.MustCompile(`\([^)]*\)`)
	crosRe    = regexp.MustCompile(`cros\W+.*?(\d+\.\d+\.\d+)`)
	winRe     = regexp.MustCompile(`nt\W*(\d+\.?\d?)`)
	macRe     = regexp.MustCompile(`os\W+x\W+(\d+[._]\d+[._]?\d*)`)
	webkitRe  = regexp.MustCompile(`applewebkit/([0-9.]*)`)
	geckoRe   = regexp.MustCompile(`(rv:[bpre0-9.]*)\)\W+gecko`)

	winNTVersions = map[string]string{
		"5.0":  "win_2000",
		"5.1":  "win_xp",
		"5.2":  "win_xp",
		"6.0":  "win_vista",
		"6.1":  "win_7",
		"6.2":  "win_8",
		"6.3":  "win_8_1",
		"10.0": "win_10",
	}
)

type Info struct {
	BrowserFamily  string `json:"browser_family"`
	BrowserVersion string `json:"browser_version"`
	OSFamily       string `json:"os_family"`
	OSVersion      string `json:"os_version"`
	EngineFamily   string `json:"layout_engine_family"`
	EngineVersion  string `json:"layout_engine_version"`
}

// LeaseKey is the work item queue partition a browser with this agent pulls from.
func (i Info) LeaseKey() string {
	return models.LeaseKey(i.BrowserFamily, i.BrowserVersion)
}

// OS maps the parsed OS family onto the names used for machine configurations.
func (i Info) OS() string {
	switch i.OSFamily {
	case OSWindows:
		return models.OSWindows
	case OSMac:
		return models.OSMac
	case OSLinux, OSChromeOS:
		return models.OSLinux
	}
	return i.OSFamily
}

func Parse(ua string) (Info, error) {
	lower := strings.ToLower(strings.TrimSpace(ua))
	if lower == "" {
		return Info{}, ErrMissing
	}
	m := browserRe.FindStringSubmatch(lower)
	if m == nil {
		return Info{}, ErrUnsupported
	}
	info := Info{BrowserFamily: m[1], BrowserVersion: m[2]}
	parseOS(lower, &info)

	switch info.BrowserFamily {
	case models.BrowserChrome:
		info.EngineFamily = EngineWebKit
		if m := webkitRe.FindStringSubmatch(lower); m != nil {
			info.EngineVersion = m[1]
		}
	case models.BrowserFirefox:
		info.EngineFamily = EngineGecko
		if m := geckoRe.FindStringSubmatch(lower); m != nil {
			info.EngineVersion = m[1]
		}
	}
	return info, nil
}

func parseOS(lower string, info *Info) {
	part := osPartRe.FindString(lower)
	if part == "" {
		return
	}
	first := strings.TrimSpace(strings.SplitN(part[1:len(part)-1], ";", 2)[0])
	switch {
	case strings.Contains(first, "x11"):
		if strings.Contains(part, OSChromeOS) {
			info.OSFamily = OSChromeOS
			info.OSVersion = Unknown
			if m := crosRe.FindStringSubmatch(part); m != nil {
				info.OSVersion = m[1]
			}
			return
		}
		info.OSFamily = OSLinux
		info.OSVersion = Unknown
	case strings.Contains(first, OSWindows):
		info.OSFamily = OSWindows
		info.OSVersion = Unknown
		if m := winRe.FindStringSubmatch(part); m != nil {
			if v, ok := winNTVersions[m[1]]; ok {
				info.OSVersion = v
			}
		}
	case strings.Contains(first, OSMac):
		info.OSFamily = OSMac
		if m := macRe.FindStringSubmatch(part); m != nil {
			info.OSVersion = m[1]
		}
	}
}
