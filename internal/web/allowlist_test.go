package web

import "testing"

func TestParseAllowlist(t *testing.T) {
	allowlist, err := ParseAllowlist([]string{"192.0.2.0/24", " 2001:db8::/32", "198.51.100.7", "localhost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := map[string]bool{
		"192.0.2.10":          true,
		"2001:db8::1":         true,
		"198.51.100.7":        true,
		"::ffff:198.51.100.7": true,
		"127.0.0.1":           true,
		"::1":                 true,
		"198.51.100.8":        false,
		"10.1.2.3":            false,
		"not-an-ip":           false,
	}
	for host, want := range cases {
		if got := allowlist.Allows(host); got != want {
			t.Fatalf("Allows(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestParseAllowlistPrivate(t *testing.T) {
	allowlist, err := ParseAllowlist([]string{"PRIVATE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowlist.Allows("10.20.30.40") || !allowlist.Allows("172.16.5.5") || !allowlist.Allows("fd00::1") {
		t.Fatal("expected private networks to be allowed")
	}
	if allowlist.Allows("8.8.8.8") {
		t.Fatal("expected public address to be denied")
	}
}

func TestParseAllowlistInvalid(t *testing.T) {
	allowlist, err := ParseAllowlist([]string{"not-a-cidr"})
	if err == nil {
		t.Fatal("expected error for invalid allowlist")
	}
	if allowlist != nil {
		t.Fatal("expected nil allowlist on error")
	}
}

func TestParseAllowlistEmpty(t *testing.T) {
	allowlist, err := ParseAllowlist([]string{" ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowlist != nil {
		t.Fatal("expected nil allowlist for empty input")
	}
	if !allowlist.Allows("203.0.113.1") {
		t.Fatal("expected nil allowlist to admit everyone")
	}
}
