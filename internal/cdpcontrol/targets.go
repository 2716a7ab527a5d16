package cdpcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// targetLister enumerates browser targets through a chromedp browser
// context. chromedp opens one helper tab for that context; it is hidden from
// the results.
type targetLister struct {
	cdpURL string

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	helperID      target.ID
}

func newTargetLister(cdpURL string) *targetLister {
	return &targetLister{cdpURL: cdpURL}
}

func (l *targetLister) list(ctx context.Context) ([]*target.Info, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browserCtx == nil {
		allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), l.cdpURL)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("connect to browser: %w", err)
		}
		l.browserCtx = browserCtx
		l.allocCancel = allocCancel
		l.browserCancel = browserCancel
		if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
			l.helperID = c.Target.TargetID
		}
		slog.Debug("cdpcontrol target lister ready", "helper_target_id", l.helperID)
	}

	targets, err := chromedp.Targets(l.browserCtx)
	if err != nil {
		l.closeLocked()
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}

	out := make([]*target.Info, 0, len(targets))
	for _, t := range targets {
		if t.TargetID == l.helperID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (l *targetLister) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *targetLister) closeLocked() {
	if l.browserCancel != nil {
		l.browserCancel()
	}
	if l.allocCancel != nil {
		l.allocCancel()
	}
	l.browserCtx = nil
	l.browserCancel = nil
	l.allocCancel = nil
	l.helperID = ""
}
