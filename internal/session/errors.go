package session

import (
	"errors"
	"fmt"

	"github.com/soulripper13/cozylife-local/internal/capability"
)

// Transport and protocol failures surfaced to callers as typed results.
// Retry/backoff policy belongs to the caller; the session never retries on
// its own and never masks a fault.
var (
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrConnectRefused    = errors.New("connect refused")
	ErrDiscoveryTimeout  = errors.New("discovery timeout")
	ErrDiscoveryRejected = errors.New("discovery rejected")
	ErrWriteError        = errors.New("write error")
	ErrUnsupportedIntent = errors.New("unsupported intent")
	ErrSessionClosed     = errors.New("session closed")
	ErrFaulted           = errors.New("session faulted")
	ErrNoSuchEntity      = errors.New("no such entity")
)

// IntentError reports a control request the entity's capability model cannot
// satisfy. It carries enough context for a caller to render a complete
// diagnostic without re-deriving it.
type IntentError struct {
	Entity  int
	Control string
	Model   *capability.Model
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("%v: entity %d does not support %s", ErrUnsupportedIntent, e.Entity, e.Control)
}

func (e *IntentError) Unwrap() error { return ErrUnsupportedIntent }
