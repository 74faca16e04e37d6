package useragent

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		ua   string
		want Info
	}{
		{
			ua: "Mozilla/5.0 (Windows; U; Windows NT 5.1; en-US) AppleWebKit/530.5 (KHTML, like Gecko) Chrome/2.0.172.2 Safari/530.5",
			want: Info{BrowserFamily: "chrome", BrowserVersion: "2.0.172.2", OSFamily: "windows", OSVersion: "win_xp",
				EngineFamily: "applewebkit", EngineVersion: "530.5"},
		},
		{
			ua: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36",
			want: Info{BrowserFamily: "chrome", BrowserVersion: "120.0.6099.71", OSFamily: "windows", OSVersion: "win_10",
				EngineFamily: "applewebkit", EngineVersion: "537.36"},
		},
		{
			ua: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/534.36 (KHTML, like Gecko) Chrome/13.0.766.0 Safari/534.36",
			want: Info{BrowserFamily: "chrome", BrowserVersion: "13.0.766.0", OSFamily: "linux", OSVersion: "unknown",
				EngineFamily: "applewebkit", EngineVersion: "534.36"},
		},
		{
			ua: "Mozilla/5.0 (X11; CrOS i686 0.13.507) AppleWebKit/534.35 (KHTML, like Gecko) Chrome/13.0.763.0 Safari/534.35",
			want: Info{BrowserFamily: "chrome", BrowserVersion: "13.0.763.0", OSFamily: "cros", OSVersion: "0.13.507",
				EngineFamily: "applewebkit", EngineVersion: "534.35"},
		},
		{
			ua: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_6_6) AppleWebKit/534.24 (KHTML, like Gecko) Chrome/11.0.698.0 Safari/534.24",
			want: Info{BrowserFamily: "chrome", BrowserVersion: "11.0.698.0", OSFamily: "macintosh", OSVersion: "10_6_6",
				EngineFamily: "applewebkit", EngineVersion: "534.24"},
		},
		{
			ua: "Mozilla/5.0 (Windows; U; Windows NT 6.1; en-US; rv:1.9.2.12) Gecko/20101026 Firefox/3.6.12",
			want: Info{BrowserFamily: "firefox", BrowserVersion: "3.6.12", OSFamily: "windows", OSVersion: "win_7",
				EngineFamily: "gecko", EngineVersion: "rv:1.9.2.12"},
		},
		{
			ua: "Mozilla/5.0 (Windows NT 6.1; rv:2.0b8) Gecko/20100101 Firefox/4.0b8",
			want: Info{BrowserFamily: "firefox", BrowserVersion: "4.0b8", OSFamily: "windows", OSVersion: "win_7",
				EngineFamily: "gecko", EngineVersion: "rv:2.0b8"},
		},
	}

	for _, tt := range tests {
		got, err := Parse(tt.ua)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.ua, err)
		}
		if got != tt.want {
			t.Fatalf("parse %q:\n got %+v\nwant %+v", tt.ua, got, tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(""); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if _, err := Parse("Mozilla/4.0 (compatible; MSIE 8.0; Windows NT 6.1)"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestLeaseKeyAndOS(t *testing.T) {
	info, err := Parse("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.LeaseKey() != "chrome/120.0.6099.71" {
		t.Fatalf("unexpected lease key %q", info.LeaseKey())
	}
	if info.OS() != "windows" {
		t.Fatalf("unexpected os %q", info.OS())
	}
}
