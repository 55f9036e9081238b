package parser

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Reasons a line is skipped.
const (
	SkipTooFewTokens        = "too_few_tokens"
	SkipInvalidTimestamp    = "invalid_timestamp"
	SkipImplausibleDateTime = "implausible_timestamp"
)

const (
	minPlausibleYear = 2000
	maxPlausibleYear = 2100
)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// Candidate is a punch recovered from one log line.
type Candidate struct {
	EmployeeCode string
	PunchAt      time.Time
	RawLine      string
	Tokens       []string
}

// SkippedLine is a line that did not yield a punch.
type SkippedLine struct {
	Line   int
	Raw    string
	Reason string
}

// Result is the tagged outcome of parsing a data block.
type Result struct {
	Candidates []Candidate
	Skipped    []SkippedLine
}

// ParseLines tokenises a data block into candidates sorted by punch time.
// Lines that cannot be read are reported in Skipped, never as an error:
// device firmware output is too inconsistent for strictness to pay off.
func ParseLines(block string, loc *time.Location) Result {
	if loc == nil {
		loc = time.Local
	}

	var res Result
	for i, raw := range splitLines(block) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		cand, reason := ParseLine(line, loc)
		if reason != "" {
			res.Skipped = append(res.Skipped, SkippedLine{Line: i + 1, Raw: line, Reason: reason})
			continue
		}
		res.Candidates = append(res.Candidates, cand)
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].PunchAt.Before(res.Candidates[j].PunchAt)
	})
	return res
}

// ParseLine reads "EMPLOYEE_CODE <sep> TIMESTAMP [...]". A non-empty reason
// means the line was rejected.
func ParseLine(line string, loc *time.Location) (Candidate, string) {
	tokens := Tokenize(line)
	if len(tokens) < 2 {
		return Candidate{}, SkipTooFewTokens
	}

	stamp := tokens[1]
	// "2025-01-10" followed by "09:00:00" when the line is single-space separated
	if len(tokens) > 2 && !strings.Contains(stamp, ":") && strings.Contains(tokens[2], ":") {
		stamp = stamp + " " + tokens[2]
	}

	punchAt, err := dateparse.ParseIn(stamp, loc)
	if err != nil {
		return Candidate{}, SkipInvalidTimestamp
	}
	if y := punchAt.Year(); y < minPlausibleYear || y > maxPlausibleYear {
		return Candidate{}, SkipImplausibleDateTime
	}

	return Candidate{
		EmployeeCode: tokens[0],
		PunchAt:      punchAt.Truncate(time.Microsecond),
		RawLine:      line,
		Tokens:       tokens,
	}, ""
}

// Tokenize splits on tabs, then on runs of two or more spaces, and only
// then on single spaces.
func Tokenize(line string) []string {
	var parts []string
	switch {
	case strings.Contains(line, "\t"):
		parts = strings.Split(line, "\t")
	default:
		parts = multiSpace.Split(line, -1)
		if len(nonEmpty(parts)) < 2 {
			parts = strings.Fields(line)
		}
	}
	return nonEmpty(parts)
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitLines(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	block = strings.ReplaceAll(block, "\r", "\n")
	return strings.Split(block, "\n")
}
