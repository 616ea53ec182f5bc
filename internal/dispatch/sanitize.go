package dispatch

import (
	"encoding/json"
	"regexp"

	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

const redacted = "[redacted]"

// leakPatterns match fragments that must never reach a listener: source
// paths with line numbers, filesystem paths, goroutine traces, and
// memory addresses.
var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)stack\s*trace`),
	regexp.MustCompile(`goroutine \d+`),
	regexp.MustCompile(`0x[0-9a-fA-F]{4,}`),
	regexp.MustCompile(`[\w.\-]+\.(go|py|java|js|ts|rb|c|cc|cpp):\d+`),
	regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[\w.\-]+[/\\])+[\w.\-]+`),
}

func leaks(s string) bool {
	for _, re := range leakPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func redact(s string) string {
	for _, re := range leakPatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// sanitizeError returns a copy of e safe to broadcast. The message has leak
// fragments redacted; diagnostic data that contains any is dropped.
func sanitizeError(e *jsonrpc.Error) *jsonrpc.Error {
	clean := &jsonrpc.Error{Code: e.Code, Message: redact(e.Message)}
	if e.Data == nil {
		return clean
	}

	var text string
	switch d := e.Data.(type) {
	case string:
		text = d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return clean
		}
		text = string(raw)
	}
	if !leaks(text) {
		clean.Data = e.Data
	}
	return clean
}
