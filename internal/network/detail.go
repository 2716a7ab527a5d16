package network

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"unicode/utf8"

	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/tidwall/gjson"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
)

// Body is a fetched response body. When Available is false Error carries the
// host's reason and the other fields are empty.
type Body struct {
	Available    bool   `json:"available"`
	Text         string `json:"text,omitempty"`
	Base64       string `json:"base64,omitempty"`
	Binary       bool   `json:"binary,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
	OriginalSize int    `json:"original_size,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Detail is a record merged with its response body.
type Detail struct {
	Record Record `json:"record"`
	Body   Body   `json:"body"`
}

// FetchDetail returns the record for requestID together with its body. A
// failed body fetch is reported inside Body, not as an error.
func (e *Engine) FetchDetail(ctx context.Context, requestID string) (Detail, error) {
	rec, ok := e.Get(requestID)
	if !ok {
		return Detail{}, &cdpcontrol.CodedError{
			Code:    cdpcontrol.CodeRequestNotFound,
			Message: fmt.Sprintf("request %q not found", requestID),
		}
	}
	return Detail{Record: rec, Body: e.fetchBody(ctx, requestID)}, nil
}

type bodyResult struct {
	body Body
}

// fetchBody runs the body command off the caller's goroutine so a slow host
// never holds the event path. The command itself is bounded by ctx.
func (e *Engine) fetchBody(ctx context.Context, requestID string) Body {
	if e.ch == nil {
		return Body{Error: "no command channel"}
	}
	done := make(chan bodyResult, 1)
	go func() {
		raw, err := e.ch.Send(ctx, e.targetID, CommandGetResponseBody, cdpnetwork.GetResponseBody(cdpnetwork.RequestID(requestID)))
		if err != nil {
			slog.Debug("response body unavailable", "target_id", e.targetID, "request_id", requestID, "error", err)
			done <- bodyResult{body: Body{Error: err.Error()}}
			return
		}
		done <- bodyResult{body: decodeBody(gjson.ParseBytes(raw), e.maxBodyBytes)}
	}()

	select {
	case res := <-done:
		return res.body
	case <-ctx.Done():
		return Body{Error: ctx.Err().Error()}
	}
}

func decodeBody(res gjson.Result, maxBytes int) Body {
	text := res.Get("body").String()
	data := []byte(text)
	if res.Get("base64Encoded").Bool() {
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return Body{Error: "decode body: " + err.Error()}
		}
		data = decoded
	}

	isText := utf8.Valid(data)
	out, truncated, origLen, sum := truncateBytes(data, maxBytes)
	body := Body{Available: true, Truncated: truncated, OriginalSize: origLen, SHA256: sum}
	if isText {
		// Do not split a rune at the cut.
		for len(out) > 0 && !utf8.Valid(out) {
			out = out[:len(out)-1]
		}
		body.Text = string(out)
		return body
	}
	body.Binary = true
	body.Base64 = base64.StdEncoding.EncodeToString(out)
	return body
}

// truncateBytes caps in at maxBytes and returns the original length and its
// sha256 when it had to cut.
func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
