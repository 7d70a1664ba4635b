package services

import (
	"regexp"
	"strconv"
	"strings"
)

// LineKind classifies one line of execution-unit output.
type LineKind int

const (
	LineUnknown LineKind = iota
	LineStatus
	LineProgress
	LineCompleted
	LineError
)

// LineEvent is the typed form of one tagged output line. For
// LineProgress, Percent holds the parsed value; for the other kinds,
// Message holds the payload with the prefix stripped.
type LineEvent struct {
	Kind    LineKind
	Message string
	Percent int
}

// taskFraction matches "task 45/365" style counters used by the
// heuristic fallback.
var taskFraction = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

var stageKeywords = []string{
	"initializing",
	"processing dem",
	"running solar calculations",
	"generating monthly summaries",
	"calculating eemt",
}

// ClassifyLine parses a tagged protocol line:
//
//	STATUS: <text>      informational, no status-field change
//	PROGRESS: <n>%      progress update (float or bare integer accepted)
//	COMPLETED: <text>   terminal success
//	ERROR: / FAILED:    terminal failure, message stored verbatim
//
// Untagged lines return LineUnknown; heuristic inference is a separate,
// optional layer (InferLine).
func ClassifyLine(line string) LineEvent {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "STATUS:"):
		return LineEvent{Kind: LineStatus, Message: strings.TrimSpace(strings.TrimPrefix(line, "STATUS:"))}
	case strings.HasPrefix(line, "PROGRESS:"):
		payload := strings.TrimSpace(strings.TrimPrefix(line, "PROGRESS:"))
		pct, ok := parsePercent(payload)
		if !ok {
			return LineEvent{Kind: LineUnknown, Message: line}
		}
		return LineEvent{Kind: LineProgress, Percent: pct}
	case strings.HasPrefix(line, "COMPLETED:"):
		return LineEvent{Kind: LineCompleted, Message: strings.TrimSpace(strings.TrimPrefix(line, "COMPLETED:"))}
	case strings.HasPrefix(line, "ERROR:"):
		return LineEvent{Kind: LineError, Message: strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))}
	case strings.HasPrefix(line, "FAILED:"):
		return LineEvent{Kind: LineError, Message: strings.TrimSpace(strings.TrimPrefix(line, "FAILED:"))}
	}
	return LineEvent{Kind: LineUnknown, Message: line}
}

// parsePercent accepts "42", "42%", "42.5%", "42.5% (153/365 tasks)".
func parsePercent(payload string) (int, bool) {
	if i := strings.IndexAny(payload, "% ("); i >= 0 {
		payload = payload[:i]
	}
	payload = strings.TrimSpace(payload)
	f, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

// InferLine is the best-effort fallback classifier for untagged output
// from workflow stages that predate the tagged protocol. It recognizes
// "task N/M" counters and a fixed set of stage keywords. Callers decide
// whether to consult it at all; the tagged protocol is the contract.
func InferLine(line string) LineEvent {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "task") {
		if m := taskFraction.FindStringSubmatch(line); m != nil {
			current, err1 := strconv.Atoi(m[1])
			total, err2 := strconv.Atoi(m[2])
			if err1 == nil && err2 == nil && total > 0 && current <= total {
				return LineEvent{Kind: LineProgress, Percent: current * 100 / total}
			}
		}
	}

	for _, kw := range stageKeywords {
		if strings.Contains(lower, kw) {
			return LineEvent{Kind: LineStatus, Message: strings.TrimSpace(line)}
		}
	}

	return LineEvent{Kind: LineUnknown, Message: line}
}
