package cdpcontrol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	CodeValidation      = "VALIDATION"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
	CodeCommandFailed   = "COMMAND_FAILED"
	CodeNotAttached     = "NOT_ATTACHED"
	CodeAlreadyAttached = "ALREADY_ATTACHED"
	CodeTargetNotFound  = "TARGET_NOT_FOUND"
	CodeRequestNotFound = "REQUEST_NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether err carries a CodedError with the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// alreadyAttachedHint is the fragment of the browser's refusal reason when a
// second debugger tries to attach to a target.
const alreadyAttachedHint = "already attached"

// IsAlreadyAttached reports whether an attach failure is the "another debugger
// is already attached" conflict. The check matches the host's reason text, so
// this is the one place to update if that wording changes.
func IsAlreadyAttached(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), alreadyAttachedHint)
}

// noTargetHint is the browser's reason when an attach names a target it does
// not know.
const noTargetHint = "no target with given id"

// IsTargetNotFound reports whether err is the browser refusing an unknown
// target id.
func IsTargetNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), noTargetHint)
}

// TargetInfo describes a debuggable page target.
type TargetInfo struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// ViewerConfig describes the window opened for an attached target.
type ViewerConfig struct {
	URL    string
	Width  int
	Height int
}

// EventSink receives notifications delivered by the host. Calls are made
// from a single goroutine in arrival order.
type EventSink interface {
	SessionDetached(targetID string)
	ViewerSurfaceClosed(windowID string)
	ProtocolEvent(targetID, method string, params json.RawMessage)
}
