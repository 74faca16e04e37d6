package channels

import (
	"context"
	"strings"

	"github.com/samber/lo"
)

// StaticSource serves a fixed release list, for local runs and tests. OS
// names accept the same aliases as the Chrome feed.
type StaticSource struct {
	browser  string
	releases []Release
}

func NewStaticSource(browser string, releases []Release) *StaticSource {
	browser = strings.ToLower(browser)
	for i := range releases {
		releases[i].Browser = browser
		releases[i].OS = strings.ToLower(releases[i].OS)
		if alias, ok := chromeOSAliases[releases[i].OS]; ok {
			releases[i].OS = alias
		}
		releases[i].Channel = strings.ToLower(releases[i].Channel)
	}
	return &StaticSource{browser: browser, releases: releases}
}

func (s *StaticSource) Browser() string { return s.browser }

func (s *StaticSource) NormalizeOS(os string) (string, error) {
	return normalize(os, chromeOSAliases, lo.Uniq(lo.Map(s.releases, func(r Release, _ int) string { return r.OS })), ErrInvalidOS)
}

func (s *StaticSource) NormalizeChannel(channel string) (string, error) {
	return normalize(channel, nil, lo.Uniq(lo.Map(s.releases, func(r Release, _ int) string { return r.Channel })), ErrInvalidChannel)
}

func (s *StaticSource) Fetch(ctx context.Context) ([]Release, error) {
	return append([]Release(nil), s.releases...), nil
}
