package network

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
)

// ReplayCommand renders the request as a curl command line.
func (e *Engine) ReplayCommand(requestID string) (string, error) {
	rec, ok := e.Get(requestID)
	if !ok {
		return "", &cdpcontrol.CodedError{
			Code:    cdpcontrol.CodeRequestNotFound,
			Message: fmt.Sprintf("request %q not found", requestID),
		}
	}
	return BuildCurl(rec.Method, rec.URL, rec.RequestHeaders, rec.PostData), nil
}

// BuildCurl builds a curl command. Every argument is single-quoted for a
// POSIX shell. The method flag is omitted when curl would infer it.
func BuildCurl(method, rawURL string, headers map[string]string, body string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	parts := []string{"curl " + shellQuote(rawURL)}
	inferred := (method == "GET" && body == "") || (method == "POST" && body != "")
	if !inferred {
		parts = append(parts, "-X "+shellQuote(method))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return strings.ToLower(keys[i]) < strings.ToLower(keys[j]) })
	for _, k := range keys {
		parts = append(parts, "-H "+shellQuote(k+": "+headers[k]))
	}

	if body != "" {
		parts = append(parts, "--data-raw "+shellQuote(body))
	}
	return strings.Join(parts, " \\\n  ")
}

// shellQuote wraps s in single quotes, closing and reopening the literal
// around each embedded quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
