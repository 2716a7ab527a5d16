package network

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	cdpnetwork "github.com/chromedp/cdproto/network"
)

// Phase is where a request is in its lifecycle. Finished and failed are
// terminal.
type Phase int

const (
	PhasePending Phase = iota
	PhaseFinished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseFinished:
		return "finished"
	case PhaseFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Status is the displayed request status: Pending, an HTTP code, or
// (failed). A response code can be known while the request is still pending.
type Status struct {
	Phase Phase
	Code  int
}

func (s Status) Terminal() bool { return s.Phase != PhasePending }

func (s Status) String() string {
	switch {
	case s.Phase == PhaseFailed:
		return "(failed)"
	case s.Code > 0:
		return strconv.Itoa(s.Code)
	default:
		return "Pending"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SizeUnknown and DurationUnknown mark values not yet reported.
const (
	SizeUnknown     int64 = -1
	DurationUnknown int64 = -1
)

// Record is the accumulated state of one request within an epoch.
type Record struct {
	RequestID       string                  `json:"request_id"`
	URL             string                  `json:"url"`
	Name            string                  `json:"name"`
	Method          string                  `json:"method"`
	Type            cdpnetwork.ResourceType `json:"type"`
	Status          Status                  `json:"status"`
	MimeType        string                  `json:"mime_type,omitempty"`
	StartTime       float64                 `json:"start_time,omitempty"`
	IssuedAt        time.Time               `json:"issued_at"`
	DurationMS      int64                   `json:"duration_ms"`
	Size            int64                   `json:"size"`
	RequestHeaders  map[string]string       `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string       `json:"response_headers,omitempty"`
	StatusText      string                  `json:"status_text,omitempty"`
	PostData        string                  `json:"post_data,omitempty"`
	ErrorText       string                  `json:"error_text,omitempty"`
	Canceled        bool                    `json:"canceled,omitempty"`
}

// IsError reports whether the row is shown as an error: failed, or an HTTP
// code of 400 and above.
func (r Record) IsError() bool {
	return r.Status.Phase == PhaseFailed || r.Status.Code >= 400
}

// Row is a record with its display columns resolved.
type Row struct {
	Record
	IsError  bool   `json:"is_error"`
	SizeText string `json:"size_text"`
	TimeText string `json:"time_text"`
}

func NewRow(rec Record) Row {
	return Row{
		Record:   rec,
		IsError:  rec.IsError(),
		SizeText: FormatBytes(rec.Size),
		TimeText: FormatDuration(rec.DurationMS),
	}
}

// Rows resolves the display columns of recs.
func Rows(recs []Record) []Row {
	out := make([]Row, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewRow(rec))
	}
	return out
}

func (r Record) clone() Record {
	r.RequestHeaders = cloneHeaders(r.RequestHeaders)
	r.ResponseHeaders = cloneHeaders(r.ResponseHeaders)
	return r
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// ClassifyMime maps a MIME type to a resource type. The first matching rule
// wins; unmatched types return fallback.
func ClassifyMime(mime string, fallback cdpnetwork.ResourceType) cdpnetwork.ResourceType {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "javascript"):
		return cdpnetwork.ResourceTypeScript
	case strings.Contains(m, "html"):
		return cdpnetwork.ResourceTypeDocument
	case strings.Contains(m, "css"):
		return cdpnetwork.ResourceTypeStylesheet
	case strings.Contains(m, "image"):
		return cdpnetwork.ResourceTypeImage
	case strings.Contains(m, "json"), strings.Contains(m, "xml"):
		return cdpnetwork.ResourceTypeFetch
	}
	return fallback
}

// DisplayName is the short name shown for a URL: the last path segment, or
// the host when the path ends in a slash.
func DisplayName(rawURL string) string {
	if rawURL == "" {
		return "(unknown)"
	}
	if strings.HasPrefix(rawURL, "data:") {
		return "(data uri)"
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" && u.Path == "" {
		return rawURL
	}
	name := u.Path
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return u.Hostname()
	}
	return name
}

// FormatBytes renders a size as B, KB, or MB with at most two decimals.
// Unknown sizes render as "-".
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 B"
	}
	if n < 0 {
		return "-"
	}
	units := []string{"B", "KB", "MB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + " " + units[i]
}

// FormatDuration renders a duration in milliseconds, or "Pending".
func FormatDuration(ms int64) string {
	if ms < 0 {
		return "Pending"
	}
	return strconv.FormatInt(ms, 10) + " ms"
}
