package storage

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/network"
)

const captureSubDir = "network"

// CaptureEntry is one line of the capture log.
type CaptureEntry struct {
	CapturedAt time.Time      `json:"captured_at"`
	TargetID   string         `json:"target_id"`
	EpochID    string         `json:"epoch_id"`
	Record     network.Record `json:"record"`
}

// CaptureLog keeps one JSONLWriter per target and records every finalized
// request it is handed.
type CaptureLog struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int
	now        func() time.Time

	mu      sync.RWMutex
	writers map[string]*JSONLWriter
	closed  bool
}

func NewCaptureLog(baseDir string, bufferSize, maxSizeMB int) *CaptureLog {
	return &CaptureLog{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		now:        time.Now,
		writers:    make(map[string]*JSONLWriter),
	}
}

// Record implements network.Recorder.
func (c *CaptureLog) Record(targetID, epochID string, rec network.Record) {
	w := c.writer(targetID)
	if w == nil {
		return
	}
	entry := CaptureEntry{CapturedAt: c.now().UTC(), TargetID: targetID, EpochID: epochID, Record: rec}
	if err := w.Write(entry); err != nil {
		slog.Debug("capture record dropped", "target_id", targetID, "request_id", rec.RequestID, "error", err)
	}
}

func (c *CaptureLog) writer(targetID string) *JSONLWriter {
	c.mu.RLock()
	w, ok := c.writers[targetID]
	closed := c.closed
	c.mu.RUnlock()
	if ok || closed {
		return w
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if w, ok := c.writers[targetID]; ok {
		return w
	}
	w = NewJSONLWriter(c.baseDir, captureSubDir, shortID(targetID), c.bufferSize, c.maxSizeMB)
	c.writers[targetID] = w
	slog.Info("capture log opened", "target_id", targetID)
	return w
}

// Release closes the writer of a target whose session ended.
func (c *CaptureLog) Release(targetID string) error {
	c.mu.Lock()
	w, ok := c.writers[targetID]
	delete(c.writers, targetID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// Close closes every writer. Later records are dropped.
func (c *CaptureLog) Close() error {
	c.mu.Lock()
	writers := c.writers
	c.writers = make(map[string]*JSONLWriter)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for targetID, w := range writers {
		if err := w.Close(); err != nil {
			slog.Error("capture log close failed", "target_id", targetID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// shortID returns the first 8 chars of a target id for use as a file name.
func shortID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}
