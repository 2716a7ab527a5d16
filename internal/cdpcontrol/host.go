package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"
)

// Host owns the browser connection and the one debugging session allowed
// per target. Session-scoped events for the forwarded methods, detaches the
// host did not ask for, and destroyed targets are reported to the EventSink.
type Host struct {
	cdpURL         string
	commandTimeout time.Duration
	forward        []string

	mu         sync.Mutex
	cdp        *rawCDP
	sessions   map[target.ID]string
	bySession  map[string]target.ID
	unregister []func()

	sinkMu sync.RWMutex
	sink   EventSink

	queue  *eventQueue
	lister *targetLister
}

// NewHost returns a host for the DevTools endpoint at cdpURL. events lists
// the session-scoped methods forwarded to the sink.
func NewHost(cdpURL string, commandTimeout time.Duration, events ...string) *Host {
	if commandTimeout <= 0 {
		commandTimeout = 5 * time.Second
	}
	return &Host{
		cdpURL:         cdpURL,
		commandTimeout: commandTimeout,
		forward:        append([]string(nil), events...),
		sessions:       make(map[target.ID]string),
		bySession:      make(map[string]target.ID),
		queue:          newEventQueue(),
		lister:         newTargetLister(cdpURL),
	}
}

// SetEventSink installs the receiver of host notifications.
func (h *Host) SetEventSink(sink EventSink) {
	h.sinkMu.Lock()
	h.sink = sink
	h.sinkMu.Unlock()
}

func (h *Host) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectLocked(ctx)
}

func (h *Host) connectLocked(ctx context.Context) error {
	if h.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", h.cdpURL)
	h.cleanupLocked()

	cdp := newRawCDP(h.cdpURL)
	cdp.onClose = h.connectionLost
	if err := cdp.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	h.cdp = cdp
	h.registerHandlersLocked()

	if err := cdp.setDiscoverTargets(ctx); err != nil {
		slog.Warn("cdpcontrol target discovery unavailable", "error", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", h.cdpURL, "forwarded_events", len(h.forward))
	return nil
}

func (h *Host) ensureConnected(ctx context.Context) (*rawCDP, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cdp != nil && h.cdp.connected() {
		return h.cdp, nil
	}
	if err := h.connectLocked(ctx); err != nil {
		return nil, err
	}
	return h.cdp, nil
}

// Close detaches every session and drops the browser connection.
func (h *Host) Close() error {
	h.mu.Lock()
	h.cleanupLocked()
	h.mu.Unlock()
	h.lister.close()
	h.queue.stop()
	return nil
}

func (h *Host) cleanupLocked() {
	for _, fn := range h.unregister {
		fn()
	}
	h.unregister = nil
	if h.cdp != nil {
		for targetID, sessionID := range h.sessions {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := h.cdp.detachFromTarget(ctx, sessionID); err != nil {
				slog.Debug("cdpcontrol cleanup detach failed", "target_id", targetID, "error", err)
			}
			cancel()
		}
		h.cdp.close()
		h.cdp = nil
	}
	h.sessions = make(map[target.ID]string)
	h.bySession = make(map[string]target.ID)
}

// connectionLost treats every open session as detached by the browser.
func (h *Host) connectionLost(err error) {
	h.mu.Lock()
	lost := make([]target.ID, 0, len(h.sessions))
	for targetID := range h.sessions {
		lost = append(lost, targetID)
	}
	h.sessions = make(map[target.ID]string)
	h.bySession = make(map[string]target.ID)
	h.mu.Unlock()

	slog.Warn("cdpcontrol connection lost", "error", err, "sessions", len(lost))
	for _, targetID := range lost {
		h.notifyDetached(targetID)
	}
}

func (h *Host) registerHandlersLocked() {
	h.unregister = append(h.unregister,
		h.cdp.registerEventHandler("Target.detachedFromTarget", h.onDetachedFromTarget),
		h.cdp.registerEventHandler("Target.targetDestroyed", h.onTargetDestroyed),
	)
	for _, method := range h.forward {
		h.unregister = append(h.unregister, h.cdp.registerEventHandler(method, func(sessionID string, params json.RawMessage) {
			h.onSessionEvent(method, sessionID, params)
		}))
	}
}

func (h *Host) onDetachedFromTarget(_ string, params json.RawMessage) {
	sessionID := gjson.GetBytes(params, "sessionId").String()
	h.mu.Lock()
	targetID, ok := h.bySession[sessionID]
	if ok {
		delete(h.bySession, sessionID)
		delete(h.sessions, targetID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("cdpcontrol session detached by browser", "target_id", targetID)
	h.notifyDetached(targetID)
}

func (h *Host) onTargetDestroyed(_ string, params json.RawMessage) {
	targetID := target.ID(gjson.GetBytes(params, "targetId").String())
	if targetID == "" {
		return
	}
	h.mu.Lock()
	sessionID, attached := h.sessions[targetID]
	if attached {
		delete(h.sessions, targetID)
		delete(h.bySession, sessionID)
	}
	h.mu.Unlock()

	if attached {
		h.notifyDetached(targetID)
	}
	h.queue.push(func() {
		if sink := h.currentSink(); sink != nil {
			sink.ViewerSurfaceClosed(string(targetID))
		}
	})
}

func (h *Host) onSessionEvent(method, sessionID string, params json.RawMessage) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	targetID, ok := h.bySession[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.queue.push(func() {
		if sink := h.currentSink(); sink != nil {
			sink.ProtocolEvent(string(targetID), method, params)
		}
	})
}

func (h *Host) notifyDetached(targetID target.ID) {
	h.queue.push(func() {
		if sink := h.currentSink(); sink != nil {
			sink.SessionDetached(string(targetID))
		}
	})
}

func (h *Host) currentSink() EventSink {
	h.sinkMu.RLock()
	defer h.sinkMu.RUnlock()
	return h.sink
}

// AttachSession opens a flat debugging session on targetID. Only protocol
// major version 1 is accepted. A target that already has a session is
// refused with the browser's "already attached" wording.
func (h *Host) AttachSession(ctx context.Context, targetID, protocolVersion string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return newError(CodeValidation, "target id is required", nil)
	}
	if major, _, _ := strings.Cut(protocolVersion, "."); major != "1" {
		return newError(CodeCommandFailed, "Requested protocol version is not supported: "+protocolVersion+".", nil)
	}

	cdp, err := h.ensureConnected(ctx)
	if err != nil {
		return err
	}

	tid := target.ID(targetID)
	if h.Attached(targetID) {
		return alreadyAttached(targetID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	sessionID, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		if IsTargetNotFound(err) {
			return newError(CodeTargetNotFound, "target "+targetID+" not found", err)
		}
		return newError(CodeCommandFailed, "attach to target failed", err)
	}

	h.mu.Lock()
	if _, taken := h.sessions[tid]; taken {
		h.mu.Unlock()
		if derr := cdp.detachFromTarget(ctx, sessionID); derr != nil {
			slog.Debug("cdpcontrol duplicate session detach failed", "target_id", targetID, "error", derr)
		}
		return alreadyAttached(targetID)
	}
	h.sessions[tid] = sessionID
	h.bySession[sessionID] = tid
	h.mu.Unlock()

	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sessionID)
	return nil
}

func alreadyAttached(targetID string) error {
	return newError(CodeAlreadyAttached, "Another debugger is already attached to the target with id: "+targetID+".", nil)
}

// DetachSession closes the session on targetID. It does not produce a
// SessionDetached notification.
func (h *Host) DetachSession(ctx context.Context, targetID string) error {
	tid := target.ID(strings.TrimSpace(targetID))
	h.mu.Lock()
	sessionID, ok := h.sessions[tid]
	if ok {
		delete(h.sessions, tid)
		delete(h.bySession, sessionID)
	}
	cdp := h.cdp
	h.mu.Unlock()
	if !ok {
		return newError(CodeNotAttached, "Debugger is not attached to the target with id: "+targetID+".", nil)
	}
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	if err := cdp.detachFromTarget(ctx, sessionID); err != nil {
		return newError(CodeCommandFailed, "detach from target failed", err)
	}
	slog.Debug("cdpcontrol session detached", "target_id", targetID, "session_id", sessionID)
	return nil
}

// Attached reports whether the host holds a session for targetID.
func (h *Host) Attached(targetID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[target.ID(targetID)]
	return ok
}

// Send issues method on the session attached to targetID and returns the
// result payload. Failures carry the browser's reason text.
func (h *Host) Send(ctx context.Context, targetID, method string, params any) (json.RawMessage, error) {
	h.mu.Lock()
	sessionID, ok := h.sessions[target.ID(targetID)]
	cdp := h.cdp
	h.mu.Unlock()
	if !ok {
		return nil, newError(CodeNotAttached, "Debugger is not attached to the target with id: "+targetID+".", nil)
	}
	if cdp == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	res, err := cdp.sendFlat(ctx, sessionID, method, params)
	if err != nil {
		return nil, newError(CodeCommandFailed, method+" failed", err)
	}
	return res, nil
}

// CreateViewerSurface opens a window showing cfg.URL and returns its id.
func (h *Host) CreateViewerSurface(ctx context.Context, cfg ViewerConfig) (string, error) {
	cdp, err := h.ensureConnected(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	windowID, err := cdp.createWindow(ctx, cfg.URL, cfg.Width, cfg.Height)
	if err != nil {
		return "", newError(CodeCommandFailed, "create viewer window failed", err)
	}
	return windowID, nil
}

func (h *Host) CloseViewerSurface(ctx context.Context, windowID string) error {
	cdp, err := h.ensureConnected(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	if err := cdp.closeTarget(ctx, windowID); err != nil {
		return newError(CodeCommandFailed, "close viewer window failed", err)
	}
	return nil
}

func (h *Host) ViewerSurfaceExists(ctx context.Context, windowID string) (bool, error) {
	cdp, err := h.ensureConnected(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	ids, err := cdp.targetIDs(ctx)
	if err != nil {
		return false, newError(CodeCommandFailed, "list targets failed", err)
	}
	return ids[windowID], nil
}

// ListTargets returns the browser's page targets.
func (h *Host) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	infos, err := h.lister.list(ctx)
	if err != nil {
		slog.Warn("cdpcontrol list targets failed", "error", err)
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TargetInfo, 0, len(infos))
	for _, t := range infos {
		if t.Type != "page" {
			continue
		}
		_, attached := h.sessions[t.TargetID]
		out = append(out, TargetInfo{
			TargetID: string(t.TargetID),
			Type:     t.Type,
			Title:    t.Title,
			URL:      t.URL,
			Attached: attached,
		})
	}
	return out, nil
}
