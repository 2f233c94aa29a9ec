package executor

import (
	"regexp"
	"strings"
)

// Review verdicts.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

var (
	explicitFail = regexp.MustCompile(`(?i)verdict[\s:*_]*fail`)
	jsonFail     = regexp.MustCompile(`(?i)"verdict"\s*:\s*"fail`)
)

// ParseVerdict reads a PASS/FAIL verdict from free-text reviewer output.
// An explicit "VERDICT: FAIL", a JSON "verdict": "fail" fragment, or a first
// word of "fail" marks FAIL. Anything else is PASS.
func ParseVerdict(text string) string {
	if explicitFail.MatchString(text) || jsonFail.MatchString(text) {
		return VerdictFail
	}
	fields := strings.Fields(text)
	if len(fields) > 0 {
		first := strings.ToLower(strings.Trim(fields[0], "*#:.,!`'\"[]()"))
		if first == "fail" {
			return VerdictFail
		}
	}
	return VerdictPass
}
