package executor

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/health"
)

// Output patterns of the CLI tool, checked in this order: auth, quota, rate limit.
var (
	authPattern      = regexp.MustCompile(`(?i)unauthori[sz]ed|not logged in|please log ?in|/login|session.?expired|invalid api key|authentication`)
	quotaPattern     = regexp.MustCompile(`(?i)daily.?limit|usage.?limit|limit.?reached|quota.?exceeded|hit your limit`)
	rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|throttled|over capacity|try again later`)

	resetPatterns = []*regexp.Regexp{
		// "resets 6am (Europe/Podgorica)"
		regexp.MustCompile(`resets\s+(\d{1,2})(am|pm)\s+\(([^)]+)\)`),
		// "resets 2:30pm (UTC)"
		regexp.MustCompile(`resets\s+(\d{1,2}):(\d{2})(am|pm)\s+\(([^)]+)\)`),
		// "resets 14:30 (UTC)"
		regexp.MustCompile(`resets\s+(\d{1,2}):(\d{2})\s+\(([^)]+)\)`),
	}
)

// limitSignalMaxLen bounds how much successful stdout is scanned for limit
// signals. Long answers routinely mention "rate limit" as subject matter.
const limitSignalMaxLen = 400

// ClassifyFailure returns the failure kind for a non-zero exit, by pattern
// on the combined output.
func ClassifyFailure(output string) health.FailureKind {
	switch {
	case authPattern.MatchString(output):
		return health.FailureAuth
	case quotaPattern.MatchString(output):
		return health.FailureQuota
	case rateLimitPattern.MatchString(output):
		return health.FailureRateLimit
	default:
		return health.FailureError
	}
}

// limitSignal reports a quota or rate-limit signal in the output of a run
// that exited zero.
func limitSignal(stdout, stderr string) health.FailureKind {
	text := stderr
	if len(strings.TrimSpace(stdout)) <= limitSignalMaxLen {
		text += "\n" + stdout
	}
	switch {
	case quotaPattern.MatchString(text):
		return health.FailureQuota
	case rateLimitPattern.MatchString(text):
		return health.FailureRateLimit
	default:
		return ""
	}
}

// ParseResetTime extracts the reset time from a limit message such as
// "You've hit your limit · resets 6am (Europe/Podgorica)".
func ParseResetTime(msg string, now time.Time) (time.Time, bool) {
	for i, pattern := range resetPatterns {
		m := pattern.FindStringSubmatch(msg)
		if m == nil {
			continue
		}

		var hour, minute int
		var ampm, tz string
		switch i {
		case 0:
			hour, _ = strconv.Atoi(m[1])
			ampm = strings.ToLower(m[2])
			tz = m[3]
		case 1:
			hour, _ = strconv.Atoi(m[1])
			minute, _ = strconv.Atoi(m[2])
			ampm = strings.ToLower(m[3])
			tz = m[4]
		case 2:
			hour, _ = strconv.Atoi(m[1])
			minute, _ = strconv.Atoi(m[2])
			tz = m[3]
		}

		if ampm == "pm" && hour != 12 {
			hour += 12
		} else if ampm == "am" && hour == 12 {
			hour = 0
		}

		loc, err := time.LoadLocation(tz)
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)
		reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if reset.Before(local) {
			reset = reset.Add(24 * time.Hour)
		}
		return reset, true
	}
	return time.Time{}, false
}

// limitTracker keeps the rolling duration average used to spot silent rate
// limiting and the recent rate-limit hits used to escalate to quota.
type limitTracker struct {
	window    time.Duration
	threshold int
	history   int

	mu        sync.Mutex
	durations []time.Duration
	hits      []time.Time
}

func newLimitTracker(window time.Duration, threshold int) *limitTracker {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if threshold < 1 {
		threshold = 3
	}
	return &limitTracker{window: window, threshold: threshold, history: 20}
}

// observe records a run duration and returns the average of the runs before it.
func (t *limitTracker) observe(d time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var avg time.Duration
	if n := len(t.durations); n > 0 {
		var sum time.Duration
		for _, v := range t.durations {
			sum += v
		}
		avg = sum / time.Duration(n)
	}

	t.durations = append(t.durations, d)
	if len(t.durations) > t.history {
		t.durations = t.durations[1:]
	}
	return avg
}

// rateLimited records a rate-limit hit and reports whether enough hits fell
// inside the window to treat the limit as quota exhaustion.
func (t *limitTracker) rateLimited(at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hits = append(t.hits, at)
	cutoff := at.Add(-t.window)
	for len(t.hits) > 0 && t.hits[0].Before(cutoff) {
		t.hits = t.hits[1:]
	}
	return len(t.hits) >= t.threshold
}

func (t *limitTracker) clear() {
	t.mu.Lock()
	t.hits = nil
	t.mu.Unlock()
}
