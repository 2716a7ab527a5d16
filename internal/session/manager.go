// Package session tracks which targets have a live debugging session and the
// viewer window bound to each one.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
)

const (
	DefaultGrace           = 100 * time.Millisecond
	DefaultProtocolVersion = "1.3"
	DefaultViewerWidth     = 800
	DefaultViewerHeight    = 600
)

// Host is the session control surface of the browser.
type Host interface {
	AttachSession(ctx context.Context, targetID, protocolVersion string) error
	DetachSession(ctx context.Context, targetID string) error
	CreateViewerSurface(ctx context.Context, cfg cdpcontrol.ViewerConfig) (string, error)
	CloseViewerSurface(ctx context.Context, windowID string) error
	ViewerSurfaceExists(ctx context.Context, windowID string) (bool, error)
}

// Record binds an attached target to its viewer window. A record exists only
// while the target is attached.
type Record struct {
	TargetID   string    `json:"target_id"`
	WindowID   string    `json:"window_id"`
	AttachedAt time.Time `json:"attached_at"`
}

// Manager owns the session record table.
type Manager struct {
	host            Host
	grace           time.Duration
	protocolVersion string
	viewer          func(targetID string) cdpcontrol.ViewerConfig
	now             func() time.Time

	mu      sync.Mutex
	records map[string]Record

	targetLocksMu sync.Mutex
	targetLocks   map[string]*targetLock
}

// targetLock serializes operations on one target. refs counts holders and
// waiters so the entry can be dropped once nobody needs it.
type targetLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Manager)

// WithGrace sets the pause between the conflict detach and the retried attach.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithProtocolVersion(v string) Option {
	return func(m *Manager) {
		if v != "" {
			m.protocolVersion = v
		}
	}
}

// WithViewer sets how the viewer window for a target is opened.
func WithViewer(fn func(targetID string) cdpcontrol.ViewerConfig) Option {
	return func(m *Manager) {
		if fn != nil {
			m.viewer = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(host Host, opts ...Option) *Manager {
	m := &Manager{
		host:            host,
		grace:           DefaultGrace,
		protocolVersion: DefaultProtocolVersion,
		viewer: func(string) cdpcontrol.ViewerConfig {
			return cdpcontrol.ViewerConfig{URL: "about:blank", Width: DefaultViewerWidth, Height: DefaultViewerHeight}
		},
		now:         time.Now,
		records:     make(map[string]Record),
		targetLocks: make(map[string]*targetLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Toggle attaches targetID when it has no live session and tears the session
// down otherwise. It returns the attached state after the call.
func (m *Manager) Toggle(ctx context.Context, targetID string) (bool, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return false, &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "target id is required"}
	}

	defer m.lockTarget(targetID)()

	if rec, ok := m.Lookup(targetID); ok {
		if m.viewerLive(ctx, rec) {
			slog.Info("session toggle off", "target_id", targetID, "window_id", rec.WindowID)
			_ = m.teardown(ctx, rec)
			return false, nil
		}
		// The window was closed before its notification reached us.
		slog.Info("session toggle found stale record", "target_id", targetID, "window_id", rec.WindowID)
		_ = m.discardStale(ctx, rec)
	}

	if err := m.attach(ctx, targetID); err != nil {
		return false, err
	}
	_, ok := m.Lookup(targetID)
	return ok, nil
}

// Status reports whether targetID is attached, deleting the record first if
// its viewer window no longer exists.
func (m *Manager) Status(ctx context.Context, targetID string) bool {
	targetID = strings.TrimSpace(targetID)
	defer m.lockTarget(targetID)()

	rec, ok := m.Lookup(targetID)
	if !ok {
		return false
	}
	if m.viewerLive(ctx, rec) {
		return true
	}
	slog.Info("session status reconciled stale record", "target_id", targetID, "window_id", rec.WindowID)
	_ = m.discardStale(ctx, rec)
	return false
}

// Lookup returns the record for targetID. ok is false when the target is
// not attached.
func (m *Manager) Lookup(targetID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[targetID]
	return rec, ok
}

// Records returns a snapshot of every record ordered by target id.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// OnExternalDetach handles a session the browser ended on its own. It
// removes the record and closes the bound window. It reports whether a
// record existed.
func (m *Manager) OnExternalDetach(ctx context.Context, targetID string) bool {
	rec, ok := m.remove(targetID)
	if !ok {
		return false
	}
	slog.Info("session detached externally", "target_id", targetID, "window_id", rec.WindowID)
	if err := m.host.CloseViewerSurface(ctx, rec.WindowID); err != nil {
		slog.Debug("viewer close after external detach failed", "target_id", targetID, "window_id", rec.WindowID, "error", err)
	}
	return true
}

// OnViewerClosed handles any closed window. If a record is bound to windowID
// its session is detached and the record removed.
func (m *Manager) OnViewerClosed(ctx context.Context, windowID string) (string, bool) {
	m.mu.Lock()
	var (
		rec   Record
		found bool
	)
	for id, r := range m.records {
		if r.WindowID == windowID {
			rec, found = r, true
			delete(m.records, id)
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return "", false
	}

	slog.Info("viewer closed, detaching session", "target_id", rec.TargetID, "window_id", windowID)
	if err := m.host.DetachSession(ctx, rec.TargetID); err != nil {
		slog.Debug("detach after viewer close failed", "target_id", rec.TargetID, "error", err)
	}
	return rec.TargetID, true
}

// Close tears down every session. Failures are logged and skipped.
func (m *Manager) Close(ctx context.Context) {
	for _, rec := range m.Records() {
		_ = m.teardown(ctx, rec)
	}
}

// attach opens the session and its window. An "already attached" refusal
// gets one detach, a grace pause, and one more attempt.
func (m *Manager) attach(ctx context.Context, targetID string) error {
	err := m.host.AttachSession(ctx, targetID, m.protocolVersion)
	if err != nil && cdpcontrol.IsAlreadyAttached(err) {
		slog.Warn("session attach conflict, retrying once", "target_id", targetID, "error", err)
		if derr := m.host.DetachSession(ctx, targetID); derr != nil {
			slog.Debug("conflict detach failed", "target_id", targetID, "error", derr)
		}
		if werr := m.wait(ctx); werr != nil {
			return werr
		}
		err = m.host.AttachSession(ctx, targetID, m.protocolVersion)
	}
	if err != nil {
		slog.Error("session attach failed", "target_id", targetID, "error", err)
		return err
	}

	windowID, err := m.host.CreateViewerSurface(ctx, m.viewer(targetID))
	if err != nil {
		// The protocol session stays open but untracked; the next toggle heals
		// it through the conflict path.
		slog.Error("viewer window create failed", "target_id", targetID, "error", err)
		return err
	}

	m.mu.Lock()
	m.records[targetID] = Record{TargetID: targetID, WindowID: windowID, AttachedAt: m.now()}
	m.mu.Unlock()
	slog.Info("session attached", "target_id", targetID, "window_id", windowID)
	return nil
}

func (m *Manager) wait(ctx context.Context) error {
	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// viewerLive treats a failed existence check as live: there is no evidence
// the window is gone.
func (m *Manager) viewerLive(ctx context.Context, rec Record) bool {
	ok, err := m.host.ViewerSurfaceExists(ctx, rec.WindowID)
	if err != nil {
		slog.Debug("viewer existence check failed", "target_id", rec.TargetID, "window_id", rec.WindowID, "error", err)
		return true
	}
	return ok
}

// teardown removes rec, closes its window, and detaches its session. The
// returned error joins the cleanup failures; callers may ignore it.
func (m *Manager) teardown(ctx context.Context, rec Record) error {
	m.remove(rec.TargetID)
	var errs []error
	if err := m.host.CloseViewerSurface(ctx, rec.WindowID); err != nil {
		slog.Debug("viewer close failed", "target_id", rec.TargetID, "window_id", rec.WindowID, "error", err)
		errs = append(errs, err)
	}
	if err := m.host.DetachSession(ctx, rec.TargetID); err != nil {
		slog.Debug("session detach failed", "target_id", rec.TargetID, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// discardStale removes a record whose window is already gone.
func (m *Manager) discardStale(ctx context.Context, rec Record) error {
	m.remove(rec.TargetID)
	if err := m.host.DetachSession(ctx, rec.TargetID); err != nil {
		slog.Debug("stale session detach failed", "target_id", rec.TargetID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) remove(targetID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[targetID]
	if ok {
		delete(m.records, targetID)
	}
	return rec, ok
}

// lockTarget acquires the lock for targetID and returns its release.
func (m *Manager) lockTarget(targetID string) func() {
	m.targetLocksMu.Lock()
	l, ok := m.targetLocks[targetID]
	if !ok {
		l = &targetLock{}
		m.targetLocks[targetID] = l
	}
	l.refs++
	m.targetLocksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.targetLocksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.targetLocks, targetID)
		}
		m.targetLocksMu.Unlock()
	}
}
