package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/ari/wisp/internal/store"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0s"},
		{30, "30s"},
		{60, "1.0m"},
		{90, "1.5m"},
		{3600, "1.0h"},
		{3660, "1.0h"},
		{7200, "2.0h"},
		{5400, "1.5h"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := FormatDuration(tt.input)
			if result != tt.expected {
				t.Errorf("FormatDuration(%d) = %s; want %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatDateTime(t *testing.T) {
	ts := time.Date(2026, 2, 24, 22, 55, 0, 0, time.Local).Unix()
	expected := "2026-02-24 22:55"

	result := FormatDateTime(ts)
	if result != expected {
		t.Errorf("FormatDateTime(%d) = %s; want %s", ts, result, expected)
	}

	if zeroResult := FormatDateTime(0); zeroResult != "-" {
		t.Errorf("FormatDateTime(0) = %s; want -", zeroResult)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		n        int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer title", 8, "a longe…"},
		{"héllo wörld", 5, "héll…"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Truncate(tt.input, tt.n); got != tt.expected {
				t.Errorf("Truncate(%q, %d) = %q; want %q", tt.input, tt.n, got, tt.expected)
			}
		})
	}
}

func TestRenderStats(t *testing.T) {
	out := RenderStats(store.PeriodWeek, &store.StatsData{
		UserID:        "u-1",
		TotalDuration: 5400,
		UniqueSites:   2,
		TopSites: []store.SiteUsage{
			{URL: "https://docs.test/page", Title: "Docs", Duration: 3600},
			{URL: "https://mail.test", Duration: 1800},
		},
		DailySummaries: []store.DailySummary{
			{Date: "2026-02-24", TotalDuration: 5400, UniqueSites: 2},
		},
	})

	for _, want := range []string{"Week", "u-1", "1.5h", "Never synced", "Docs", "(untitled)", "2026-02-24"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderStats() missing %q:\n%s", want, out)
		}
	}
}

func TestRenderLedger(t *testing.T) {
	out := RenderLedger("Pending", map[string]int64{
		"https://a.test|Alpha": 30,
		"https://b.test|":      90,
	})

	b := strings.Index(out, "https://b.test")
	a := strings.Index(out, "Alpha")
	if a < 0 || b < 0 || b > a {
		t.Errorf("RenderLedger() should list the larger entry first:\n%s", out)
	}
	if !strings.Contains(out, "2.0m") {
		t.Errorf("RenderLedger() missing total:\n%s", out)
	}

	if empty := RenderLedger("Pending", nil); !strings.Contains(empty, "Nothing pending") {
		t.Errorf("RenderLedger(nil) = %q", empty)
	}
}
