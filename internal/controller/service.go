// Package controller ties session lifecycle to one network engine per
// attached target and routes host notifications to both.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/network"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/session"
)

const defaultCleanupTimeout = 5 * time.Second

// Host is what the service needs from the browser connection.
type Host interface {
	session.Host
	network.CommandChannel
	ListTargets(ctx context.Context) ([]cdpcontrol.TargetInfo, error)
}

// Feed receives view notifications.
type Feed interface {
	network.Notifier
	SessionChanged(targetID string, attached bool)
}

// Capture receives finalized records and is told when a target's session
// ends.
type Capture interface {
	network.Recorder
	Release(targetID string) error
}

// RequestList is the projected network table of one target.
type RequestList struct {
	TargetID string           `json:"target_id"`
	EpochID  string           `json:"epoch_id"`
	Filter   network.Filter   `json:"filter"`
	Preserve bool             `json:"preserve"`
	Total    int              `json:"total"`
	Requests []network.Row    `json:"requests"`
}

// RequestRow is a single record and whether the current filter shows it.
type RequestRow struct {
	Record  network.Row `json:"record"`
	Visible bool        `json:"visible"`
}

// Service is the command surface behind the HTTP API and the event sink of
// the host.
type Service struct {
	host           Host
	sessions       *session.Manager
	feed           Feed
	capture        Capture
	maxBodyBytes   int
	cleanupTimeout time.Duration

	mu      sync.RWMutex
	engines map[string]*network.Engine
}

type Option func(*Service)

func WithFeed(f Feed) Option {
	return func(s *Service) { s.feed = f }
}

func WithCapture(c Capture) Option {
	return func(s *Service) { s.capture = c }
}

func WithMaxBodyBytes(n int) Option {
	return func(s *Service) { s.maxBodyBytes = n }
}

func WithCleanupTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}

func NewService(host Host, sessions *session.Manager, opts ...Option) *Service {
	s := &Service{
		host:           host,
		sessions:       sessions,
		maxBodyBytes:   network.DefaultMaxBodyBytes,
		cleanupTimeout: defaultCleanupTimeout,
		engines:        make(map[string]*network.Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) ListTargets(ctx context.Context) ([]cdpcontrol.TargetInfo, error) {
	return s.host.ListTargets(ctx)
}

// Toggle flips the session of targetID. A fresh session gets a fresh
// network engine and the Network and Page domains enabled.
func (s *Service) Toggle(ctx context.Context, targetID string) (bool, error) {
	targetID = strings.TrimSpace(targetID)
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return false, err
	}

	attached, err := s.sessions.Toggle(ctx, targetID)
	if err != nil {
		if _, ok := s.sessions.Lookup(targetID); !ok {
			s.dropEngine(targetID)
		}
		return false, err
	}
	if !attached {
		s.dropEngine(targetID)
		s.publishSession(targetID, false)
		return false, nil
	}

	if !s.bindEngine(targetID) {
		slog.Info("session ended before engine bind", "target_id", targetID)
		return false, nil
	}
	s.enableDomains(ctx, targetID)
	s.publishSession(targetID, true)
	return true, nil
}

// Status reports the reconciled session record of targetID.
func (s *Service) Status(ctx context.Context, targetID string) (session.Record, bool, error) {
	targetID = strings.TrimSpace(targetID)
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return session.Record{}, false, err
	}
	if !s.sessions.Status(ctx, targetID) {
		if s.dropEngine(targetID) {
			s.publishSession(targetID, false)
		}
		return session.Record{}, false, nil
	}
	rec, ok := s.sessions.Lookup(targetID)
	return rec, ok, nil
}

func (s *Service) Sessions() []session.Record {
	return s.sessions.Records()
}

func (s *Service) ListRequests(targetID string) (RequestList, error) {
	e, err := s.engine(targetID)
	if err != nil {
		return RequestList{}, err
	}
	return RequestList{
		TargetID: e.TargetID(),
		EpochID:  e.Epoch(),
		Filter:   e.Filter(),
		Preserve: e.Preserve(),
		Total:    e.Len(),
		Requests: network.Rows(e.List()),
	}, nil
}

// Row returns one request of targetID for a single-row redraw.
func (s *Service) Row(targetID, requestID string) (RequestRow, error) {
	e, err := s.engine(targetID)
	if err != nil {
		return RequestRow{}, err
	}
	rec, visible, ok := e.Row(strings.TrimSpace(requestID))
	if !ok {
		return RequestRow{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeRequestNotFound, Message: fmt.Sprintf("request %q not found", requestID)}
	}
	return RequestRow{Record: network.NewRow(rec), Visible: visible}, nil
}

// SetFilter replaces the whole view filter of targetID.
func (s *Service) SetFilter(targetID string, f network.Filter) (network.Filter, error) {
	if f.Category == "" {
		f.Category = network.FilterAll
	}
	if !network.ValidCategory(f.Category) {
		return network.Filter{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fmt.Sprintf("unknown category %q", f.Category)}
	}
	e, err := s.engine(targetID)
	if err != nil {
		return network.Filter{}, err
	}
	return e.ApplyFilter(f), nil
}

func (s *Service) SetPreserve(targetID string, preserve bool) error {
	e, err := s.engine(targetID)
	if err != nil {
		return err
	}
	e.SetPreserve(preserve)
	return nil
}

func (s *Service) Clear(targetID string) error {
	e, err := s.engine(targetID)
	if err != nil {
		return err
	}
	e.Clear()
	return nil
}

func (s *Service) FetchDetail(ctx context.Context, targetID, requestID string) (network.Detail, error) {
	if err := s.requireNonEmpty(requestID, "request_id"); err != nil {
		return network.Detail{}, err
	}
	e, err := s.engine(targetID)
	if err != nil {
		return network.Detail{}, err
	}
	return e.FetchDetail(ctx, strings.TrimSpace(requestID))
}

func (s *Service) ReplayCommand(targetID, requestID string) (string, error) {
	if err := s.requireNonEmpty(requestID, "request_id"); err != nil {
		return "", err
	}
	e, err := s.engine(targetID)
	if err != nil {
		return "", err
	}
	return e.ReplayCommand(strings.TrimSpace(requestID))
}

// Close tears down every session.
func (s *Service) Close(ctx context.Context) {
	s.sessions.Close(ctx)
	s.mu.Lock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.dropEngine(id)
	}
}

// SessionDetached implements cdpcontrol.EventSink.
func (s *Service) SessionDetached(targetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cleanupTimeout)
	defer cancel()
	existed := s.sessions.OnExternalDetach(ctx, targetID)
	s.dropEngine(targetID)
	if existed {
		s.publishSession(targetID, false)
	}
}

// ViewerSurfaceClosed implements cdpcontrol.EventSink.
func (s *Service) ViewerSurfaceClosed(windowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cleanupTimeout)
	defer cancel()
	targetID, ok := s.sessions.OnViewerClosed(ctx, windowID)
	if !ok {
		return
	}
	s.dropEngine(targetID)
	s.publishSession(targetID, false)
}

// ProtocolEvent implements cdpcontrol.EventSink. Only the engine bound to
// targetID sees the event.
func (s *Service) ProtocolEvent(targetID, method string, params json.RawMessage) {
	s.mu.RLock()
	e := s.engines[targetID]
	s.mu.RUnlock()
	if e == nil {
		return
	}
	e.HandleEvent(targetID, method, params)
}

// engine returns the engine of an attached target. Attachment is checked
// through the session manager.
func (s *Service) engine(targetID string) (*network.Engine, error) {
	targetID = strings.TrimSpace(targetID)
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return nil, err
	}
	notAttached := &cdpcontrol.CodedError{Code: cdpcontrol.CodeNotAttached, Message: fmt.Sprintf("target %s is not attached", targetID)}
	if _, ok := s.sessions.Lookup(targetID); !ok {
		return nil, notAttached
	}
	s.mu.RLock()
	e := s.engines[targetID]
	s.mu.RUnlock()
	if e == nil {
		return nil, notAttached
	}
	return e, nil
}

func (s *Service) installEngine(targetID string) {
	opts := []network.Option{network.WithMaxBodyBytes(s.maxBodyBytes)}
	if s.feed != nil {
		opts = append(opts, network.WithNotifier(s.feed))
	}
	if s.capture != nil {
		opts = append(opts, network.WithRecorder(s.capture))
	}
	e := network.NewEngine(targetID, s.host, opts...)

	s.mu.Lock()
	s.engines[targetID] = e
	s.mu.Unlock()
}

// bindEngine installs the engine of a freshly attached target. It reports
// false and leaves no engine when the viewer closed in between.
func (s *Service) bindEngine(targetID string) bool {
	s.installEngine(targetID)
	if _, ok := s.sessions.Lookup(targetID); !ok {
		s.dropEngine(targetID)
		return false
	}
	return true
}

func (s *Service) dropEngine(targetID string) bool {
	s.mu.Lock()
	_, ok := s.engines[targetID]
	delete(s.engines, targetID)
	s.mu.Unlock()
	if ok && s.capture != nil {
		if err := s.capture.Release(targetID); err != nil {
			slog.Debug("capture release failed", "target_id", targetID, "error", err)
		}
	}
	return ok
}

// enableDomains turns on the event domains the engine consumes. A failure
// leaves the session attached with an empty network log.
func (s *Service) enableDomains(ctx context.Context, targetID string) {
	for _, method := range []string{network.CommandNetworkEnable, network.CommandPageEnable} {
		if _, err := s.host.Send(ctx, targetID, method, nil); err != nil {
			slog.Warn("domain enable failed", "target_id", targetID, "method", method, "error", err)
		}
	}
}

func (s *Service) publishSession(targetID string, attached bool) {
	if s.feed != nil {
		s.feed.SessionChanged(targetID, attached)
	}
}
