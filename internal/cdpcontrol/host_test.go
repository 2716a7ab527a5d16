package cdpcontrol

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"
)

// fakeBrowser speaks just enough of the browser-level protocol for Host.
type fakeBrowser struct {
	srv *httptest.Server

	mu    sync.Mutex
	conn  net.Conn
	ready chan struct{}
	calls []string
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{ready: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		close(fb.ready)
		fb.serve(conn)
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) serve(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		id := msg.Get("id").Int()
		method := msg.Get("method").String()
		sessionID := msg.Get("sessionId").String()

		fb.mu.Lock()
		fb.calls = append(fb.calls, method+"@"+sessionID)
		fb.mu.Unlock()

		switch method {
		case "Target.setDiscoverTargets", "Target.detachFromTarget":
			fb.reply(id, `{}`)
		case "Target.attachToTarget":
			tid := msg.Get("params.targetId").String()
			if tid == "GONE" {
				fb.fail(id, "No target with given id found")
				continue
			}
			fb.reply(id, `{"sessionId":"S-`+tid+`"}`)
		case "Target.createTarget":
			fb.reply(id, `{"targetId":"W-1"}`)
		case "Target.closeTarget":
			fb.reply(id, `{"success":true}`)
		case "Target.getTargets":
			fb.reply(id, `{"targetInfos":[{"targetId":"P1","type":"page"},{"targetId":"W-1","type":"page"}]}`)
		case "Network.getResponseBody":
			if sessionID == "" {
				fb.fail(id, "'Network.getResponseBody' wasn't found")
				continue
			}
			fb.reply(id, `{"body":"hello","base64Encoded":false}`)
		default:
			fb.fail(id, "'"+method+"' wasn't found")
		}
	}
}

func (fb *fakeBrowser) write(payload string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_ = wsutil.WriteServerText(fb.conn, []byte(payload))
}

func (fb *fakeBrowser) reply(id int64, result string) {
	b, _ := json.Marshal(id)
	fb.write(`{"id":` + string(b) + `,"result":` + result + `}`)
}

func (fb *fakeBrowser) fail(id int64, message string) {
	b, _ := json.Marshal(id)
	m, _ := json.Marshal(message)
	fb.write(`{"id":` + string(b) + `,"error":{"code":-32601,"message":` + string(m) + `}}`)
}

func (fb *fakeBrowser) emit(method, sessionID, params string) {
	<-fb.ready
	env := `{"method":"` + method + `","params":` + params
	if sessionID != "" {
		env += `,"sessionId":"` + sessionID + `"`
	}
	fb.write(env + `}`)
}

func (fb *fakeBrowser) called(call string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.calls {
		if c == call {
			return true
		}
	}
	return false
}

type sinkEvent struct {
	kind   string
	id     string
	method string
}

type chanSink struct {
	ch chan sinkEvent
}

func newChanSink() *chanSink { return &chanSink{ch: make(chan sinkEvent, 16)} }

func (s *chanSink) SessionDetached(targetID string) {
	s.ch <- sinkEvent{kind: "detached", id: targetID}
}

func (s *chanSink) ViewerSurfaceClosed(windowID string) {
	s.ch <- sinkEvent{kind: "closed", id: windowID}
}

func (s *chanSink) ProtocolEvent(targetID, method string, _ json.RawMessage) {
	s.ch <- sinkEvent{kind: "event", id: targetID, method: method}
}

func (s *chanSink) next(t *testing.T) sinkEvent {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sink event")
		return sinkEvent{}
	}
}

func connectedHost(t *testing.T) (*Host, *fakeBrowser, *chanSink) {
	t.Helper()
	fb := newFakeBrowser(t)
	h := NewHost(fb.srv.URL, time.Second, "Network.requestWillBeSent")
	sink := newChanSink()
	h.SetEventSink(sink)
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, fb, sink
}

func TestHostAttachRejectsSecondSession(t *testing.T) {
	h, _, _ := connectedHost(t)
	ctx := context.Background()

	if err := h.AttachSession(ctx, "P1", "1.3"); err != nil {
		t.Fatalf("first attach error = %v", err)
	}
	err := h.AttachSession(ctx, "P1", "1.3")
	if !IsAlreadyAttached(err) {
		t.Fatalf("second attach error = %v; want already attached", err)
	}
	if !HasCode(err, CodeAlreadyAttached) {
		t.Fatalf("second attach code mismatch: %v", err)
	}
	if !h.Attached("P1") {
		t.Fatalf("Attached(P1) = false; want true")
	}
}

func TestHostAttachUnknownTarget(t *testing.T) {
	h, _, _ := connectedHost(t)
	err := h.AttachSession(context.Background(), "GONE", "1.3")
	if !HasCode(err, CodeTargetNotFound) {
		t.Fatalf("attach error = %v; want %s", err, CodeTargetNotFound)
	}
	if IsAlreadyAttached(err) {
		t.Fatalf("attach error = %v; reads as already attached", err)
	}
	if h.Attached("GONE") {
		t.Fatal("Attached(GONE) = true; want false")
	}
}

func TestHostRejectsUnsupportedProtocolVersion(t *testing.T) {
	h, _, _ := connectedHost(t)
	err := h.AttachSession(context.Background(), "P1", "2.0")
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("attach error = %v; want unsupported version", err)
	}
}

func TestHostSendUsesFlatSession(t *testing.T) {
	h, fb, _ := connectedHost(t)
	ctx := context.Background()

	if _, err := h.Send(ctx, "P1", "Network.getResponseBody", nil); !HasCode(err, CodeNotAttached) {
		t.Fatalf("send before attach error = %v; want %s", err, CodeNotAttached)
	}

	if err := h.AttachSession(ctx, "P1", "1.3"); err != nil {
		t.Fatalf("attach error = %v", err)
	}
	res, err := h.Send(ctx, "P1", "Network.getResponseBody", map[string]string{"requestId": "r1"})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if got := gjson.GetBytes(res, "body").String(); got != "hello" {
		t.Fatalf("body = %q; want %q", got, "hello")
	}
	if !fb.called("Network.getResponseBody@S-P1") {
		t.Fatalf("command was not sent on session S-P1")
	}

	_, err = h.Send(ctx, "P1", "Bogus.method", nil)
	if !HasCode(err, CodeCommandFailed) || !strings.Contains(err.Error(), "wasn't found") {
		t.Fatalf("bogus send error = %v; want raw browser reason", err)
	}
}

func TestHostForwardsOnlyKnownSessions(t *testing.T) {
	h, fb, sink := connectedHost(t)
	if err := h.AttachSession(context.Background(), "P1", "1.3"); err != nil {
		t.Fatalf("attach error = %v", err)
	}

	fb.emit("Network.requestWillBeSent", "S-UNKNOWN", `{"requestId":"x"}`)
	fb.emit("Network.requestWillBeSent", "S-P1", `{"requestId":"1"}`)

	ev := sink.next(t)
	if ev.kind != "event" || ev.id != "P1" || ev.method != "Network.requestWillBeSent" {
		t.Fatalf("event = %+v; want request event for P1", ev)
	}
}

func TestHostExternalDetachNotifiesSink(t *testing.T) {
	h, fb, sink := connectedHost(t)
	if err := h.AttachSession(context.Background(), "P1", "1.3"); err != nil {
		t.Fatalf("attach error = %v", err)
	}

	fb.emit("Target.detachedFromTarget", "", `{"sessionId":"S-P1","targetId":"P1"}`)

	ev := sink.next(t)
	if ev.kind != "detached" || ev.id != "P1" {
		t.Fatalf("event = %+v; want detached P1", ev)
	}
	if h.Attached("P1") {
		t.Fatalf("Attached(P1) = true after browser detach")
	}
}

func TestHostOwnDetachIsSilent(t *testing.T) {
	h, fb, sink := connectedHost(t)
	ctx := context.Background()
	if err := h.AttachSession(ctx, "P1", "1.3"); err != nil {
		t.Fatalf("attach error = %v", err)
	}
	if err := h.DetachSession(ctx, "P1"); err != nil {
		t.Fatalf("detach error = %v", err)
	}
	if err := h.DetachSession(ctx, "P1"); !HasCode(err, CodeNotAttached) {
		t.Fatalf("second detach error = %v; want %s", err, CodeNotAttached)
	}

	fb.emit("Target.detachedFromTarget", "", `{"sessionId":"S-P1"}`)
	fb.emit("Target.targetDestroyed", "", `{"targetId":"W-9"}`)

	ev := sink.next(t)
	if ev.kind != "closed" || ev.id != "W-9" {
		t.Fatalf("event = %+v; want only the closed W-9 notification", ev)
	}
}

func TestHostViewerSurface(t *testing.T) {
	h, fb, _ := connectedHost(t)
	ctx := context.Background()

	windowID, err := h.CreateViewerSurface(ctx, ViewerConfig{URL: "http://127.0.0.1/viewer", Width: 800, Height: 600})
	if err != nil {
		t.Fatalf("create error = %v", err)
	}
	if windowID != "W-1" {
		t.Fatalf("window id = %q; want %q", windowID, "W-1")
	}

	ok, err := h.ViewerSurfaceExists(ctx, windowID)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v; want true, nil", ok, err)
	}
	ok, err = h.ViewerSurfaceExists(ctx, "W-404")
	if err != nil || ok {
		t.Fatalf("exists(W-404) = %v, %v; want false, nil", ok, err)
	}

	if err := h.CloseViewerSurface(ctx, windowID); err != nil {
		t.Fatalf("close error = %v", err)
	}
	if !fb.called("Target.closeTarget@") {
		t.Fatalf("closeTarget not issued")
	}
}
