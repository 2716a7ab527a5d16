// Package network correlates protocol network events into per-request
// records for one attached target.
package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// FilterAll is the category that shows every record.
const FilterAll = "all"

// DefaultMaxBodyBytes bounds the body returned by FetchDetail.
const DefaultMaxBodyBytes = 1 << 20

var extensionSchemes = []string{"chrome-extension://", "moz-extension://"}

var categories = map[string]bool{
	FilterAll:                                         true,
	string(cdpnetwork.ResourceTypeDocument):           true,
	string(cdpnetwork.ResourceTypeStylesheet):         true,
	string(cdpnetwork.ResourceTypeImage):              true,
	string(cdpnetwork.ResourceTypeMedia):              true,
	string(cdpnetwork.ResourceTypeFont):               true,
	string(cdpnetwork.ResourceTypeScript):             true,
	string(cdpnetwork.ResourceTypeTextTrack):          true,
	string(cdpnetwork.ResourceTypeXHR):                true,
	string(cdpnetwork.ResourceTypeFetch):              true,
	string(cdpnetwork.ResourceTypePrefetch):           true,
	string(cdpnetwork.ResourceTypeEventSource):        true,
	string(cdpnetwork.ResourceTypeWebSocket):          true,
	string(cdpnetwork.ResourceTypeManifest):           true,
	string(cdpnetwork.ResourceTypeSignedExchange):     true,
	string(cdpnetwork.ResourceTypePing):               true,
	string(cdpnetwork.ResourceTypeCSPViolationReport): true,
	string(cdpnetwork.ResourceTypePreflight):          true,
	string(cdpnetwork.ResourceTypeFedCM):              true,
	string(cdpnetwork.ResourceTypeOther):              true,
}

// ValidCategory reports whether category is "all" or a known resource type.
func ValidCategory(category string) bool {
	return categories[category]
}

// CommandChannel sends a protocol command over the session attached to
// targetID.
type CommandChannel interface {
	Send(ctx context.Context, targetID, method string, params any) (json.RawMessage, error)
}

// Notifier receives re-render notifications. RowChanged covers a single
// record; TableReset means the whole projection must be redrawn.
type Notifier interface {
	RowChanged(targetID, requestID string)
	TableReset(targetID string)
}

// Recorder receives every record once it reaches a terminal state.
type Recorder interface {
	Record(targetID, epochID string, rec Record)
}

// Filter is the view predicate over the record table.
type Filter struct {
	Category       string `json:"category"`
	Text           string `json:"text,omitempty"`
	HideExtensions bool   `json:"hide_extensions"`
}

// Match reports whether rec is projected under f. The Fetch category also
// matches the legacy XHR tag.
func (f Filter) Match(rec Record) bool {
	if f.Category != "" && f.Category != FilterAll {
		typ := string(rec.Type)
		if typ != f.Category && !(f.Category == string(cdpnetwork.ResourceTypeFetch) && rec.Type == cdpnetwork.ResourceTypeXHR) {
			return false
		}
	}
	if f.HideExtensions {
		for _, scheme := range extensionSchemes {
			if strings.HasPrefix(rec.URL, scheme) {
				return false
			}
		}
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(rec.URL), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

// Engine owns the request table of one target for the current epoch.
type Engine struct {
	targetID     string
	ch           CommandChannel
	notifier     Notifier
	recorder     Recorder
	now          func() time.Time
	maxBodyBytes int

	mu       sync.Mutex
	order    []string
	records  map[string]*Record
	filter   Filter
	preserve bool
	epoch    string
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxBodyBytes caps fetched bodies; zero or less disables the cap.
func WithMaxBodyBytes(n int) Option {
	return func(e *Engine) { e.maxBodyBytes = n }
}

func NewEngine(targetID string, ch CommandChannel, opts ...Option) *Engine {
	e := &Engine{
		targetID:     targetID,
		ch:           ch,
		now:          time.Now,
		maxBodyBytes: DefaultMaxBodyBytes,
		records:      make(map[string]*Record),
		filter:       Filter{Category: FilterAll},
		epoch:        uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) TargetID() string { return e.targetID }

// HandleEvent applies one inbound protocol event. Events for other targets,
// unknown methods, and malformed payloads are dropped. It reports whether
// the table changed.
func (e *Engine) HandleEvent(targetID, method string, params json.RawMessage) bool {
	if targetID != e.targetID {
		return false
	}
	if len(params) == 0 || !gjson.ValidBytes(params) {
		slog.Debug("network event dropped, malformed payload", "target_id", targetID, "method", method)
		return false
	}
	p := gjson.ParseBytes(params)

	switch method {
	case EventRequestWillBeSent:
		return e.onRequest(p)
	case EventResponseReceived:
		return e.onResponse(p)
	case EventLoadingFinished:
		return e.onFinished(p)
	case EventLoadingFailed:
		return e.onFailed(p)
	case EventFrameNavigated:
		return e.OnNavigation(p.Get("frame.parentId").String() == "")
	}
	return false
}

func (e *Engine) onRequest(p gjson.Result) bool {
	id := p.Get("requestId").String()
	if id == "" {
		return false
	}
	req := p.Get("request")
	rec := Record{
		RequestID:      id,
		URL:            req.Get("url").String(),
		Method:         req.Get("method").String(),
		Type:           cdpnetwork.ResourceType(p.Get("type").String()),
		StartTime:      p.Get("timestamp").Float(),
		IssuedAt:       e.now(),
		DurationMS:     DurationUnknown,
		Size:           SizeUnknown,
		RequestHeaders: headersFromJSON(req.Get("headers")),
		PostData:       postDataFromJSON(req),
	}
	if rec.Type == "" {
		rec.Type = cdpnetwork.ResourceTypeOther
	}
	if wall := p.Get("wallTime").Float(); wall > 0 {
		sec, frac := math.Modf(wall)
		rec.IssuedAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	rec.Name = DisplayName(rec.URL)

	e.mu.Lock()
	if _, exists := e.records[id]; !exists {
		e.order = append(e.order, id)
	}
	e.records[id] = &rec
	e.mu.Unlock()

	e.rowChanged(id)
	return true
}

func (e *Engine) onResponse(p gjson.Result) bool {
	id := p.Get("requestId").String()
	resp := p.Get("response")

	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	rec.Status.Code = int(resp.Get("status").Int())
	rec.StatusText = resp.Get("statusText").String()
	rec.MimeType = resp.Get("mimeType").String()
	rec.ResponseHeaders = headersFromJSON(resp.Get("headers"))
	if rec.Type == "" || rec.Type == cdpnetwork.ResourceTypeOther {
		rec.Type = ClassifyMime(rec.MimeType, rec.Type)
	}
	e.mu.Unlock()

	e.rowChanged(id)
	return true
}

func (e *Engine) onFinished(p gjson.Result) bool {
	id := p.Get("requestId").String()

	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	rec.Size = p.Get("encodedDataLength").Int()
	rec.Status.Phase = PhaseFinished
	if rec.Status.Code == 0 {
		// No response metadata was observed.
		rec.Status.Code = 200
	}
	if ts := p.Get("timestamp").Float(); ts > 0 && rec.StartTime > 0 {
		rec.DurationMS = int64(math.Round((ts - rec.StartTime) * 1000))
	}
	snapshot, epoch := rec.clone(), e.epoch
	e.mu.Unlock()

	e.rowChanged(id)
	e.record(epoch, snapshot)
	return true
}

func (e *Engine) onFailed(p gjson.Result) bool {
	id := p.Get("requestId").String()

	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	rec.Status.Phase = PhaseFailed
	rec.ErrorText = p.Get("errorText").String()
	rec.Canceled = p.Get("canceled").Bool()
	snapshot, epoch := rec.clone(), e.epoch
	e.mu.Unlock()

	e.rowChanged(id)
	e.record(epoch, snapshot)
	return true
}

// OnNavigation starts a new epoch on a top-frame navigation unless preserve
// is set. Sub-frame navigations never reset the table.
func (e *Engine) OnNavigation(isTopFrame bool) bool {
	if !isTopFrame {
		return false
	}
	e.mu.Lock()
	if e.preserve {
		e.mu.Unlock()
		return false
	}
	e.resetLocked()
	e.mu.Unlock()

	slog.Debug("network log reset on navigation", "target_id", e.targetID)
	e.tableReset()
	return true
}

// Clear empties the table regardless of the preserve flag.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
	e.tableReset()
}

func (e *Engine) resetLocked() {
	e.order = nil
	e.records = make(map[string]*Record)
	e.epoch = uuid.NewString()
}

// SetFilter sets the category filter. An empty category means all.
func (e *Engine) SetFilter(category string) {
	if category == "" {
		category = FilterAll
	}
	e.mu.Lock()
	e.filter.Category = category
	e.mu.Unlock()
	e.tableReset()
}

// SetTextFilter sets a case-insensitive URL substring filter.
func (e *Engine) SetTextFilter(text string) {
	e.mu.Lock()
	e.filter.Text = strings.TrimSpace(text)
	e.mu.Unlock()
	e.tableReset()
}

func (e *Engine) SetHideExtensionRequests(hide bool) {
	e.mu.Lock()
	e.filter.HideExtensions = hide
	e.mu.Unlock()
	e.tableReset()
}

// ApplyFilter replaces the whole filter and redraws the table once. An
// empty category means all.
func (e *Engine) ApplyFilter(f Filter) Filter {
	if f.Category == "" {
		f.Category = FilterAll
	}
	f.Text = strings.TrimSpace(f.Text)
	e.mu.Lock()
	e.filter = f
	e.mu.Unlock()
	e.tableReset()
	return f
}

func (e *Engine) SetPreserve(preserve bool) {
	e.mu.Lock()
	e.preserve = preserve
	e.mu.Unlock()
}

func (e *Engine) Filter() Filter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

func (e *Engine) Preserve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preserve
}

// Epoch returns the id of the current navigation epoch.
func (e *Engine) Epoch() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// List returns the projected records in issue order.
func (e *Engine) List() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.order))
	for _, id := range e.order {
		rec := e.records[id]
		if e.filter.Match(*rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// All returns every record in issue order, ignoring the filter.
func (e *Engine) All() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.records[id].clone())
	}
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func (e *Engine) Get(requestID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[requestID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Row returns one record and whether the current filter shows it.
func (e *Engine) Row(requestID string) (rec Record, visible, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[requestID]
	if !ok {
		return Record{}, false, false
	}
	return r.clone(), e.filter.Match(*r), true
}

func (e *Engine) rowChanged(requestID string) {
	if e.notifier != nil {
		e.notifier.RowChanged(e.targetID, requestID)
	}
}

func (e *Engine) tableReset() {
	if e.notifier != nil {
		e.notifier.TableReset(e.targetID)
	}
}

func (e *Engine) record(epoch string, rec Record) {
	if e.recorder != nil {
		e.recorder.Record(e.targetID, epoch, rec)
	}
}

func headersFromJSON(v gjson.Result) map[string]string {
	if !v.IsObject() {
		return nil
	}
	out := make(map[string]string)
	v.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	return out
}

// postDataFromJSON prefers request.postData and falls back to joining the
// base64 postDataEntries.
func postDataFromJSON(req gjson.Result) string {
	if data := req.Get("postData"); data.Exists() {
		return data.String()
	}
	entries := req.Get("postDataEntries")
	if !entries.IsArray() {
		return ""
	}
	var sb strings.Builder
	for _, entry := range entries.Array() {
		raw := entry.Get("bytes").String()
		if raw == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			continue
		}
		sb.Write(decoded)
	}
	return sb.String()
}
