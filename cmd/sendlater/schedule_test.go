package main

import (
	"testing"
	"time"
)

func TestResolveSendTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		at      string
		in      time.Duration
		want    time.Time
		wantErr bool
	}{
		{name: "relative", in: 90 * time.Minute, want: now.Add(90 * time.Minute)},
		{name: "absolute with offset", at: "2026-03-02T09:00:00+02:00", want: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)},
		{name: "both set", at: "2026-03-02T09:00:00Z", in: time.Hour, wantErr: true},
		{name: "neither set", wantErr: true},
		{name: "negative delay", in: -time.Minute, wantErr: true},
		{name: "malformed", at: "tomorrow", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSendTime(tt.at, tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveSendTime() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("resolveSendTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"name=Ann", "time=10:00", "note=a=b", "empty="})
	if err != nil {
		t.Fatalf("parseVars() error = %v", err)
	}

	want := map[string]string{"name": "Ann", "time": "10:00", "note": "a=b", "empty": ""}
	if len(vars) != len(want) {
		t.Fatalf("parseVars() = %v, want %v", vars, want)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseVars([]string{bad}); err == nil {
			t.Errorf("parseVars(%q) should fail", bad)
		}
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 10); got != "short" {
		t.Errorf("truncateText() = %q", got)
	}
	if got := truncateText("line one\nline two", 40); got != "line one line two" {
		t.Errorf("truncateText() = %q", got)
	}
	if got := truncateText("привет мир, как дела", 10); got != "привет ..." {
		t.Errorf("truncateText() = %q", got)
	}
	if got := truncateID("0123456789abcdef"); got != "0123456789ab..." {
		t.Errorf("truncateID() = %q", got)
	}
}
