package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"
)

var (
	errNotConnected = errors.New("rawcdp: not connected")
	errConnClosed   = errors.New("rawcdp: connection closed")
)

// rawCDP is a browser-level CDP client. Page sessions are flat (sessionId in
// the outer envelope) so one socket carries every attached target.
type rawCDP struct {
	httpBase string

	mu   sync.Mutex // guards conn and serializes frame writes
	conn net.Conn
	seq  atomic.Int64

	calls    callTable
	handlers handlerTable

	// onClose runs once when the read loop exits on a broken connection.
	onClose func(error)
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{httpBase: strings.TrimRight(httpBase, "/")}
}

// callTable matches responses to waiting commands by id.
type callTable struct {
	mu      sync.Mutex
	waiting map[int64]chan json.RawMessage
}

func (t *callTable) add(id int64) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	t.mu.Lock()
	if t.waiting == nil {
		t.waiting = make(map[int64]chan json.RawMessage)
	}
	t.waiting[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *callTable) resolve(id int64, msg json.RawMessage) {
	t.mu.Lock()
	ch, ok := t.waiting[id]
	delete(t.waiting, id)
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (t *callTable) drop(id int64) {
	t.mu.Lock()
	delete(t.waiting, id)
	t.mu.Unlock()
}

// failAll releases every waiter with a closed channel.
func (t *callTable) failAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.waiting {
		close(ch)
		delete(t.waiting, id)
	}
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

// handlerTable holds event callbacks keyed by method name.
type handlerTable struct {
	mu       sync.RWMutex
	byMethod map[string][]eventHandler
}

func (t *handlerTable) add(method string, h eventHandler) {
	t.mu.Lock()
	if t.byMethod == nil {
		t.byMethod = make(map[string][]eventHandler)
	}
	t.byMethod[method] = append(t.byMethod[method], h)
	t.mu.Unlock()
}

func (t *handlerTable) remove(method string, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.byMethod[method]
	for i, h := range hs {
		if h.id == id {
			t.byMethod[method] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

func (t *handlerTable) dispatch(method, sessionID string, params json.RawMessage) {
	t.mu.RLock()
	hs := append([]eventHandler(nil), t.byMethod[method]...)
	t.mu.RUnlock()
	for _, h := range hs {
		h.fn(sessionID, params)
	}
}

// connect dials the browser WebSocket advertised by /json/version.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}
	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}
	r.conn = conn
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *rawCDP) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *rawCDP) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			r.connectionEnded(conn, err)
			return
		}

		msg := gjson.ParseBytes(data)
		if id := msg.Get("id").Int(); id > 0 {
			r.calls.resolve(id, json.RawMessage(data))
			continue
		}
		method := msg.Get("method").String()
		if method == "" {
			continue
		}
		var params json.RawMessage
		if p := msg.Get("params"); p.Exists() {
			params = json.RawMessage(p.Raw)
		}
		r.handlers.dispatch(method, msg.Get("sessionId").String(), params)
	}
}

// connectionEnded fails pending calls and reports the drop unless close()
// already released the connection.
func (r *rawCDP) connectionEnded(conn net.Conn, err error) {
	slog.Debug("rawcdp read loop exit", "error", err)
	r.calls.failAll()

	r.mu.Lock()
	dropped := r.conn == conn
	if dropped {
		r.conn = nil
	}
	r.mu.Unlock()
	if dropped && r.onClose != nil {
		r.onClose(err)
	}
}

// sendFlat issues method on sessionID, or on the browser when sessionID is
// empty, and returns the result payload. Protocol errors keep the browser's
// reason text verbatim.
func (r *rawCDP) sendFlat(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, errNotConnected
	}

	id := r.seq.Add(1)
	data, err := json.Marshal(struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := r.calls.add(id)
	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.calls.drop(id)
		return nil, fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	var resp json.RawMessage
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		resp = msg
	case <-ctx.Done():
		r.calls.drop(id)
		return nil, ctx.Err()
	}

	if reason := gjson.GetBytes(resp, "error.message"); reason.Exists() {
		return nil, fmt.Errorf("rawcdp: %s: %s", method, reason.String())
	}
	if result := gjson.GetBytes(resp, "result"); result.Exists() {
		return json.RawMessage(result.Raw), nil
	}
	return json.RawMessage("{}"), nil
}

func (r *rawCDP) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return r.sendFlat(ctx, "", method, params)
}

func (r *rawCDP) attachToTarget(ctx context.Context, targetID string) (string, error) {
	raw, err := r.send(ctx, target.CommandAttachToTarget, target.AttachToTarget(target.ID(targetID)).WithFlatten(true))
	if err != nil {
		return "", err
	}
	sid := gjson.GetBytes(raw, "sessionId").String()
	if sid == "" {
		return "", fmt.Errorf("rawcdp: %s: empty sessionId", target.CommandAttachToTarget)
	}
	return sid, nil
}

// detachFromTarget ends a session without closing its target.
func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID string) error {
	_, err := r.send(ctx, target.CommandDetachFromTarget, target.DetachFromTarget().WithSessionID(target.SessionID(sessionID)))
	return err
}

// createWindow opens url in a new browser window and returns its target id.
func (r *rawCDP) createWindow(ctx context.Context, url string, width, height int) (string, error) {
	params := target.CreateTarget(url).
		WithNewWindow(true).
		WithWidth(int64(width)).
		WithHeight(int64(height))
	raw, err := r.send(ctx, target.CommandCreateTarget, params)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(raw, "targetId").String()
	if id == "" {
		return "", fmt.Errorf("rawcdp: %s: empty targetId", target.CommandCreateTarget)
	}
	return id, nil
}

func (r *rawCDP) closeTarget(ctx context.Context, targetID string) error {
	_, err := r.send(ctx, target.CommandCloseTarget, target.CloseTarget(target.ID(targetID)))
	return err
}

// targetIDs returns the ids of every target the browser currently knows.
func (r *rawCDP) targetIDs(ctx context.Context) (map[string]bool, error) {
	raw, err := r.send(ctx, target.CommandGetTargets, nil)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, v := range gjson.GetBytes(raw, "targetInfos.#.targetId").Array() {
		ids[v.String()] = true
	}
	return ids, nil
}

// setDiscoverTargets turns on targetCreated/targetDestroyed events.
func (r *rawCDP) setDiscoverTargets(ctx context.Context) error {
	_, err := r.send(ctx, target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true))
	return err
}

// registerEventHandler subscribes fn to method and returns the unsubscribe
// function.
func (r *rawCDP) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.handlers.add(method, eventHandler{id: id, fn: fn})
	return func() { r.handlers.remove(method, id) }
}

func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rawcdp: /json/version: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if wsURL == "" {
		return "", errors.New("rawcdp: /json/version: empty webSocketDebuggerUrl")
	}
	return wsURL, nil
}
