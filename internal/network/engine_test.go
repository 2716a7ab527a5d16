package network

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/google/go-cmp/cmp"
)

const testTarget = "T1"

type fakeNotifier struct {
	mu     sync.Mutex
	rows   []string
	resets int
}

func (n *fakeNotifier) RowChanged(targetID, requestID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rows = append(n.rows, requestID)
}

func (n *fakeNotifier) TableReset(targetID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets++
}

type recorded struct {
	epoch string
	rec   Record
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []recorded
}

func (r *fakeRecorder) Record(targetID, epochID string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, recorded{epoch: epochID, rec: rec})
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func issue(t *testing.T, e *Engine, id, url, method, typ string, ts float64) bool {
	t.Helper()
	p := map[string]any{
		"requestId": id,
		"request":   map[string]any{"url": url, "method": method, "headers": map[string]string{"Accept": "*/*"}},
		"timestamp": ts,
	}
	if typ != "" {
		p["type"] = typ
	}
	return e.HandleEvent(testTarget, EventRequestWillBeSent, payload(t, p))
}

func respond(t *testing.T, e *Engine, id string, status int, mime string) bool {
	t.Helper()
	return e.HandleEvent(testTarget, EventResponseReceived, payload(t, map[string]any{
		"requestId": id,
		"response": map[string]any{
			"status":     status,
			"statusText": "OK",
			"mimeType":   mime,
			"headers":    map[string]string{"Content-Type": mime},
		},
	}))
}

func finish(t *testing.T, e *Engine, id string, size int64, ts float64) bool {
	t.Helper()
	return e.HandleEvent(testTarget, EventLoadingFinished, payload(t, map[string]any{
		"requestId":         id,
		"encodedDataLength": size,
		"timestamp":         ts,
	}))
}

func fail(t *testing.T, e *Engine, id, reason string) bool {
	t.Helper()
	return e.HandleEvent(testTarget, EventLoadingFailed, payload(t, map[string]any{
		"requestId": id,
		"errorText": reason,
	}))
}

func navigate(t *testing.T, e *Engine, parentID string) bool {
	t.Helper()
	frame := map[string]any{"id": "F1", "url": "https://a.test/"}
	if parentID != "" {
		frame["parentId"] = parentID
	}
	return e.HandleEvent(testTarget, EventFrameNavigated, payload(t, map[string]any{"frame": frame}))
}

func TestJSONRequestLifecycle(t *testing.T) {
	e := NewEngine(testTarget, nil)

	issue(t, e, "1", "https://a.test/x.json", "GET", "", 10)
	rec, _ := e.Get("1")
	if got := rec.Status.String(); got != "Pending" {
		t.Fatalf("status after issue = %q; want Pending", got)
	}

	respond(t, e, "1", 200, "application/json")
	rec, _ = e.Get("1")
	if rec.Type != cdpnetwork.ResourceTypeFetch {
		t.Fatalf("type after response = %q; want Fetch", rec.Type)
	}
	if rec.Status.Terminal() {
		t.Fatal("response metadata must not finalize the record")
	}

	finish(t, e, "1", 128, 10.5)
	rec, _ = e.Get("1")
	if got := rec.Status.String(); got != "200" {
		t.Fatalf("final status = %q; want 200", got)
	}
	if rec.Type != cdpnetwork.ResourceTypeFetch || rec.Size != 128 {
		t.Fatalf("final record = %+v; want type Fetch size 128", rec)
	}
	if rec.DurationMS != 500 {
		t.Fatalf("duration = %d; want 500", rec.DurationMS)
	}
	if rec.Name != "x.json" {
		t.Fatalf("name = %q; want x.json", rec.Name)
	}
}

func TestInOrderSequenceAlwaysFinalizes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		mime     string
		wantCode int
	}{
		{name: "ok", status: 200, mime: "text/html", wantCode: 200},
		{name: "not found", status: 404, mime: "text/plain", wantCode: 404},
		{name: "redirect", status: 304, mime: "image/png", wantCode: 304},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(testTarget, nil)
			issue(t, e, "r", "https://a.test/p", "GET", "", 1)
			respond(t, e, "r", tt.status, tt.mime)
			finish(t, e, "r", 42, 1.25)

			rec, ok := e.Get("r")
			if !ok {
				t.Fatal("record missing")
			}
			if rec.Status.Phase != PhaseFinished || rec.Status.Code != tt.wantCode {
				t.Fatalf("status = %+v; want finished %d", rec.Status, tt.wantCode)
			}
			if rec.Size == SizeUnknown || rec.DurationMS == DurationUnknown {
				t.Fatalf("size = %d, duration = %d; want both known", rec.Size, rec.DurationMS)
			}
		})
	}
}

func TestEventsForUnknownRequestAreNoOps(t *testing.T) {
	n := &fakeNotifier{}
	e := NewEngine(testTarget, nil, WithNotifier(n))
	issue(t, e, "known", "https://a.test/", "GET", "Document", 1)

	if respond(t, e, "ghost", 200, "text/html") {
		t.Fatal("response for unknown request reported a change")
	}
	if finish(t, e, "ghost", 10, 2) {
		t.Fatal("finish for unknown request reported a change")
	}
	if fail(t, e, "ghost", "net::ERR_FAILED") {
		t.Fatal("failure for unknown request reported a change")
	}
	if got := e.Len(); got != 1 {
		t.Fatalf("Len() = %d; want 1", got)
	}
	if len(n.rows) != 1 {
		t.Fatalf("row notifications = %v; want only the issued request", n.rows)
	}
}

func TestFinishWithoutResponseFallsBackTo200(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "1", "https://a.test/a.js", "GET", "Script", 1)
	finish(t, e, "1", 99, 0)

	rec, _ := e.Get("1")
	if rec.Status.Code != 200 || rec.Status.Phase != PhaseFinished {
		t.Fatalf("status = %+v; want finished 200", rec.Status)
	}
	if rec.DurationMS != DurationUnknown {
		t.Fatalf("duration = %d; want unknown without a finish timestamp", rec.DurationMS)
	}
}

func TestTerminalStatesAreNotMutated(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "f", "https://a.test/f", "GET", "", 1)
	fail(t, e, "f", "net::ERR_ABORTED")
	if finish(t, e, "f", 10, 2) {
		t.Fatal("finish after failure reported a change")
	}
	if respond(t, e, "f", 200, "text/html") {
		t.Fatal("response after failure reported a change")
	}
	rec, _ := e.Get("f")
	if got := rec.Status.String(); got != "(failed)" {
		t.Fatalf("status = %q; want (failed)", got)
	}
	if rec.ErrorText != "net::ERR_ABORTED" || !rec.IsError() {
		t.Fatalf("record = %+v; want failed with error text", rec)
	}

	issue(t, e, "d", "https://a.test/d", "GET", "", 1)
	finish(t, e, "d", 10, 2)
	if fail(t, e, "d", "late") {
		t.Fatal("failure after finish reported a change")
	}
	rec, _ = e.Get("d")
	if rec.Status.Phase != PhaseFinished || rec.ErrorText != "" {
		t.Fatalf("record = %+v; want untouched finished record", rec)
	}
}

func TestMimeReclassifiesOnlyGenericTypes(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "generic", "https://a.test/g", "GET", "Other", 1)
	issue(t, e, "typed", "https://a.test/t", "GET", "Image", 1)
	respond(t, e, "generic", 200, "text/css")
	respond(t, e, "typed", 200, "application/json")

	if rec, _ := e.Get("generic"); rec.Type != cdpnetwork.ResourceTypeStylesheet {
		t.Fatalf("generic type = %q; want Stylesheet", rec.Type)
	}
	if rec, _ := e.Get("typed"); rec.Type != cdpnetwork.ResourceTypeImage {
		t.Fatalf("typed type = %q; want Image", rec.Type)
	}
}

func TestFilterProjection(t *testing.T) {
	n := &fakeNotifier{}
	e := NewEngine(testTarget, nil, WithNotifier(n))
	issue(t, e, "s", "https://a.test/app.js", "GET", "Script", 1)
	issue(t, e, "d", "https://a.test/", "GET", "Document", 1)
	issue(t, e, "i", "https://a.test/logo.png", "GET", "Image", 1)
	issue(t, e, "x", "https://a.test/api", "GET", "XHR", 1)
	issue(t, e, "f", "https://a.test/data", "GET", "Fetch", 1)

	ids := func(recs []Record) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.RequestID)
		}
		return out
	}

	tests := []struct {
		category string
		want     []string
	}{
		{category: "Image", want: []string{"i"}},
		{category: "Fetch", want: []string{"x", "f"}},
		{category: "all", want: []string{"s", "d", "i", "x", "f"}},
		{category: "", want: []string{"s", "d", "i", "x", "f"}},
		{category: "Stylesheet", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			e.SetFilter(tt.category)
			if diff := cmp.Diff(tt.want, ids(e.List())); diff != "" {
				t.Fatalf("List() mismatch (-want +got):\n%s", diff)
			}
			if e.Len() != 5 {
				t.Fatalf("Len() = %d; filtering must not delete records", e.Len())
			}
		})
	}
	if n.resets != len(tests) {
		t.Fatalf("table resets = %d; want one per filter change (%d)", n.resets, len(tests))
	}
}

func TestTextAndExtensionFilters(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "a", "https://a.test/API/users", "GET", "Fetch", 1)
	issue(t, e, "b", "chrome-extension://abc/content.js", "GET", "Script", 1)
	issue(t, e, "c", "moz-extension://def/api.js", "GET", "Script", 1)

	e.SetTextFilter("api")
	if got := len(e.List()); got != 2 {
		t.Fatalf("text filter matched %d; want 2", got)
	}
	e.SetHideExtensionRequests(true)
	list := e.List()
	if len(list) != 1 || list[0].RequestID != "a" {
		t.Fatalf("List() = %+v; want only request a", list)
	}
	e.SetTextFilter("")
	e.SetFilter("Script")
	if got := len(e.List()); got != 0 {
		t.Fatalf("hidden extension scripts projected: %d", got)
	}
	if got := e.Filter(); got.Category != "Script" || !got.HideExtensions || got.Text != "" {
		t.Fatalf("Filter() = %+v", got)
	}
}

func TestNavigationReset(t *testing.T) {
	tests := []struct {
		name      string
		preserve  bool
		parentID  string
		wantEmpty bool
	}{
		{name: "top frame clears", wantEmpty: true},
		{name: "preserve keeps", preserve: true},
		{name: "sub frame keeps", parentID: "F0"},
		{name: "sub frame keeps with preserve", preserve: true, parentID: "F0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNotifier{}
			e := NewEngine(testTarget, nil, WithNotifier(n))
			e.SetPreserve(tt.preserve)
			issue(t, e, "1", "https://a.test/", "GET", "Document", 1)
			epoch := e.Epoch()

			changed := navigate(t, e, tt.parentID)
			if changed != tt.wantEmpty {
				t.Fatalf("navigate changed = %v; want %v", changed, tt.wantEmpty)
			}
			if got := e.Len() == 0; got != tt.wantEmpty {
				t.Fatalf("table empty = %v; want %v", got, tt.wantEmpty)
			}
			if rotated := e.Epoch() != epoch; rotated != tt.wantEmpty {
				t.Fatalf("epoch rotated = %v; want %v", rotated, tt.wantEmpty)
			}
			wantResets := 0
			if tt.wantEmpty {
				wantResets = 1
			}
			if n.resets != wantResets {
				t.Fatalf("table resets = %d; want %d", n.resets, wantResets)
			}
		})
	}
}

func TestClearIgnoresPreserve(t *testing.T) {
	e := NewEngine(testTarget, nil)
	e.SetPreserve(true)
	issue(t, e, "1", "https://a.test/", "GET", "Document", 1)
	e.Clear()
	if e.Len() != 0 {
		t.Fatalf("Len() = %d; want 0 after Clear", e.Len())
	}
	if !e.Preserve() {
		t.Fatal("Clear must not reset the preserve flag")
	}
}

func TestIgnoresOtherTargets(t *testing.T) {
	e := NewEngine(testTarget, nil)
	p := payload(t, map[string]any{"requestId": "1", "request": map[string]any{"url": "https://b.test/"}})
	if e.HandleEvent("T2", EventRequestWillBeSent, p) {
		t.Fatal("event for another target reported a change")
	}
	if e.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", e.Len())
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	e := NewEngine(testTarget, nil)
	tests := []struct {
		name   string
		method string
		params json.RawMessage
	}{
		{name: "empty", method: EventRequestWillBeSent, params: nil},
		{name: "invalid json", method: EventRequestWillBeSent, params: json.RawMessage(`{"requestId":`)},
		{name: "missing id", method: EventRequestWillBeSent, params: json.RawMessage(`{"request":{"url":"https://a.test/"}}`)},
		{name: "unknown method", method: "Network.dataReceived", params: json.RawMessage(`{"requestId":"1"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if e.HandleEvent(testTarget, tt.method, tt.params) {
				t.Fatal("malformed event reported a change")
			}
		})
	}
	if e.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", e.Len())
	}
}

func TestReissuedRequestKeepsPosition(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "1", "https://a.test/old", "GET", "Document", 1)
	issue(t, e, "2", "https://a.test/b", "GET", "Script", 1)
	issue(t, e, "1", "https://a.test/new", "GET", "Document", 2)

	all := e.All()
	if len(all) != 2 || all[0].RequestID != "1" || all[0].URL != "https://a.test/new" {
		t.Fatalf("All() = %+v; want request 1 replaced in first position", all)
	}
}

func TestRecorderReceivesTerminalRecords(t *testing.T) {
	r := &fakeRecorder{}
	e := NewEngine(testTarget, nil, WithRecorder(r))
	first := e.Epoch()

	issue(t, e, "1", "https://a.test/", "GET", "Document", 1)
	respond(t, e, "1", 200, "text/html")
	finish(t, e, "1", 10, 2)
	e.Clear()
	issue(t, e, "2", "https://a.test/gone", "GET", "Fetch", 1)
	fail(t, e, "2", "net::ERR_NAME_NOT_RESOLVED")

	if len(r.recs) != 2 {
		t.Fatalf("recorded %d records; want 2", len(r.recs))
	}
	if r.recs[0].epoch != first || r.recs[0].rec.RequestID != "1" {
		t.Fatalf("first recorded = %+v; want request 1 in epoch %s", r.recs[0], first)
	}
	if r.recs[1].epoch == first || r.recs[1].rec.Status.Phase != PhaseFailed {
		t.Fatalf("second recorded = %+v; want failed record in a new epoch", r.recs[1])
	}
}

func TestRequestCapturesHeadersAndPostData(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewEngine(testTarget, nil, WithClock(func() time.Time { return fixed }))

	e.HandleEvent(testTarget, EventRequestWillBeSent, payload(t, map[string]any{
		"requestId": "p",
		"type":      "Fetch",
		"timestamp": 3,
		"request": map[string]any{
			"url":     "https://a.test/submit",
			"method":  "POST",
			"headers": map[string]string{"Content-Type": "text/plain"},
			"postDataEntries": []map[string]string{
				{"bytes": "aGVsbG8g"},
				{"bytes": "d29ybGQ="},
			},
		},
	}))
	e.HandleEvent(testTarget, EventRequestWillBeSent, payload(t, map[string]any{
		"requestId": "w",
		"wallTime":  1700000000.5,
		"request":   map[string]any{"url": "https://a.test/", "method": "GET"},
	}))

	rec, _ := e.Get("p")
	if rec.PostData != "hello world" {
		t.Fatalf("PostData = %q; want %q", rec.PostData, "hello world")
	}
	if rec.RequestHeaders["Content-Type"] != "text/plain" {
		t.Fatalf("RequestHeaders = %v", rec.RequestHeaders)
	}
	if !rec.IssuedAt.Equal(fixed) {
		t.Fatalf("IssuedAt = %v; want clock value %v", rec.IssuedAt, fixed)
	}

	rec, _ = e.Get("w")
	if want := time.Unix(1700000000, 500000000); !rec.IssuedAt.Equal(want) {
		t.Fatalf("IssuedAt = %v; want wall time %v", rec.IssuedAt, want)
	}
	if rec.Type != cdpnetwork.ResourceTypeOther {
		t.Fatalf("Type = %q; want Other when unset", rec.Type)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "1", "https://a.test/", "GET", "Document", 1)
	rec, _ := e.Get("1")
	rec.RequestHeaders["Accept"] = "changed"
	again, _ := e.Get("1")
	if again.RequestHeaders["Accept"] != "*/*" {
		t.Fatalf("mutating a returned record leaked into the table: %v", again.RequestHeaders)
	}
}

func TestRowReportsVisibility(t *testing.T) {
	e := NewEngine(testTarget, nil)
	issue(t, e, "s", "https://a.test/app.js", "GET", "Script", 1)
	issue(t, e, "i", "https://a.test/logo.png", "GET", "Image", 1)
	e.SetFilter("Image")

	rec, visible, ok := e.Row("s")
	if !ok || visible || rec.RequestID != "s" {
		t.Fatalf("Row(s) = %q, visible=%v, ok=%v; want hidden script", rec.RequestID, visible, ok)
	}
	if _, visible, ok = e.Row("i"); !ok || !visible {
		t.Fatalf("Row(i) visible=%v, ok=%v; want visible", visible, ok)
	}
	if _, _, ok = e.Row("missing"); ok {
		t.Fatal("Row(missing) ok = true")
	}
}

func TestApplyFilterResetsOnce(t *testing.T) {
	n := &fakeNotifier{}
	e := NewEngine(testTarget, nil, WithNotifier(n))
	issue(t, e, "a", "https://a.test/api/users", "GET", "Fetch", 1)
	issue(t, e, "b", "chrome-extension://abc/api.js", "GET", "Fetch", 1)

	got := e.ApplyFilter(Filter{Text: "  API ", HideExtensions: true})
	if got.Category != FilterAll || got.Text != "API" || !got.HideExtensions {
		t.Fatalf("ApplyFilter() = %+v", got)
	}
	if n.resets != 1 {
		t.Fatalf("table resets = %d; want 1", n.resets)
	}
	list := e.List()
	if len(list) != 1 || list[0].RequestID != "a" {
		t.Fatalf("List() = %+v; want only request a", list)
	}
}
