package executor

import (
	"testing"
	"time"

	"github.com/alekspetrov/warden/internal/health"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   health.FailureKind
	}{
		{"session expired", "Session expired, run claude /login", health.FailureAuth},
		{"invalid key", "Invalid API key provided", health.FailureAuth},
		{"usage limit", "Claude usage limit reached", health.FailureQuota},
		{"hit your limit", "You've hit your limit · resets 2:30pm (UTC)", health.FailureQuota},
		{"throttled", "request throttled, try again later", health.FailureRateLimit},
		{"overloaded", "API is over capacity", health.FailureRateLimit},
		{"generic", "connection reset by peer", health.FailureError},
		{"empty", "", health.FailureError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFailure(tt.output); got != tt.want {
				t.Errorf("ClassifyFailure(%q) = %s, want %s", tt.output, got, tt.want)
			}
		})
	}
}

func TestParseResetTime(t *testing.T) {
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		msg    string
		want   time.Time
		wantOK bool
	}{
		{
			name:   "hour only, later today",
			msg:    "You've hit your limit · resets 6pm (UTC)",
			want:   time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "hour only, already passed",
			msg:    "You've hit your limit · resets 6am (UTC)",
			want:   time.Date(2026, 5, 11, 6, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "hour and minute",
			msg:    "resets 2:30pm (UTC)",
			want:   time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "24 hour",
			msg:    "resets 14:30 (UTC)",
			want:   time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "midnight",
			msg:    "resets 12am (UTC)",
			want:   time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name: "no reset time",
			msg:  "rate limit exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseResetTime(tt.msg, now)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("reset = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLimitTrackerWindow(t *testing.T) {
	tr := newLimitTracker(10*time.Minute, 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if tr.rateLimited(base) || tr.rateLimited(base.Add(time.Minute)) {
		t.Fatal("two hits must not escalate")
	}
	// Hits at 0m and 1m have fallen out of the window by 11m10s.
	if tr.rateLimited(base.Add(11 * time.Minute)) {
		t.Error("hits outside the window must not count")
	}
	if tr.rateLimited(base.Add(11*time.Minute + 10*time.Second)) {
		t.Error("hits outside the window must not count")
	}
	if !tr.rateLimited(base.Add(11*time.Minute + 20*time.Second)) {
		t.Error("three hits inside the window must escalate")
	}

	tr.clear()
	if tr.rateLimited(base.Add(13 * time.Minute)) {
		t.Error("clear should reset the hit count")
	}
}

func TestLimitTrackerRollingAverage(t *testing.T) {
	tr := newLimitTracker(0, 0)
	if avg := tr.observe(time.Second); avg != 0 {
		t.Errorf("first average = %s, want 0", avg)
	}
	tr.observe(3 * time.Second)
	if avg := tr.observe(time.Minute); avg != 2*time.Second {
		t.Errorf("average = %s, want 2s", avg)
	}

	for i := 0; i < 40; i++ {
		tr.observe(time.Second)
	}
	if len(tr.durations) != 20 {
		t.Errorf("history = %d, want 20", len(tr.durations))
	}
}
