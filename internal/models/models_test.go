package models

import "testing"

func TestMachineStatusOrdering(t *testing.T) {
	for _, s := range ActiveMachineStatuses {
		if !s.Active() {
			t.Fatalf("expected %s to be active", s)
		}
	}
	for _, s := range []MachineStatus{MachineTerminated, MachineFailed, MachineExpired, "BOGUS"} {
		if s.Active() {
			t.Fatalf("expected %s to be inactive", s)
		}
	}
	if MachineInitializing.Rank() >= MachineRunning.Rank() {
		t.Fatal("expected INITIALIZING to rank before RUNNING")
	}
}

func TestFinishResultTerminalStatus(t *testing.T) {
	tests := []struct {
		result FinishResult
		want   WorkItemStatus
	}{
		{ResultSuccess, StatusFinished},
		{ResultFailed, StatusUnknownError},
		{ResultUploadError, StatusUploadError},
		{ResultTimeoutError, StatusTimeoutError},
	}
	for _, tt := range tests {
		got, ok := tt.result.TerminalStatus()
		if !ok || got != tt.want {
			t.Fatalf("expected %s for %s, got %s (ok=%v)", tt.want, tt.result, got, ok)
		}
	}
	if _, ok := FinishResult("weird").TerminalStatus(); ok {
		t.Fatal("expected unknown result to be rejected")
	}
}

func TestClientInfoRoundTrip(t *testing.T) {
	raw := NewClientInfo(Configuration{OS: OSWindows, Browser: "Chrome", Channel: ChannelStable, Version: "120.0.1"})
	b, err := ParseClientInfo(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.RefBrowser != "chrome/120.0.1" || b.RefBrowserChannel != ChannelStable || b.RefOS != OSWindows {
		t.Fatalf("unexpected binding %+v", b)
	}
}

func TestReferenceBindingMatches(t *testing.T) {
	b := ReferenceBinding{RefBrowser: "chrome/120.0.1", RefBrowserChannel: ChannelStable, RefOS: OSWindows}
	cases := []struct {
		os, key, channel string
		want             bool
	}{
		{OSWindows, "chrome/120.0.1", ChannelStable, true},
		{"Windows", "chrome/120.0.1", "", true},
		{OSLinux, "chrome/120.0.1", ChannelStable, false},
		{"", "chrome/120.0.1", ChannelStable, false},
		{OSWindows, "chrome/121.0", ChannelStable, false},
		{OSWindows, "chrome/120.0.1", "beta", false},
	}
	for _, tc := range cases {
		if got := b.Matches(tc.os, tc.key, tc.channel); got != tc.want {
			t.Fatalf("Matches(%q, %q, %q) = %v, want %v", tc.os, tc.key, tc.channel, got, tc.want)
		}
	}
}
