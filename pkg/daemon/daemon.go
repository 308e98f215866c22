// Package daemon is the client side of the per-host clustering daemon: the
// process that actually runs the membership ring. The lifecycle layer only
// ever talks to a Client; implementations decide what a ring is.
package daemon

import (
	"context"
	"errors"
	"fmt"
)

// Config is the ring configuration handed to Create, Join and Enable.
// Optional fields fall back to daemon defaults.
type Config struct {
	LocalIP            string  `json:"local_ip"`
	TokenTimeoutMS     *int64  `json:"token_timeout_ms,omitempty"`
	TokenCoefficientMS *int64  `json:"token_coefficient_ms,omitempty"`
	Name               *string `json:"name,omitempty"`
}

// Diagnostics is the daemon's view of itself.
type Diagnostics struct {
	ServiceEnabled bool     `json:"service_enabled"`
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"token,omitempty"`
	LocalIP        string   `json:"local_ip,omitempty"`
	Members        []string `json:"members,omitempty"`
}

// Client drives the local clustering daemon. Every method except the service
// toggles takes a debug token that the daemon attaches to its own logs.
type Client interface {
	// EnableService starts the daemon process and makes it start on boot.
	EnableService(ctx context.Context) error
	// DisableService stops the daemon process.
	DisableService(ctx context.Context) error

	// Create forms a new single-member ring and returns its secret token.
	Create(ctx context.Context, debug string, cfg Config) (string, error)
	// Join adds this host to the ring identified by token, contacting the
	// existing members. cfg carries the ring timings so every member detects
	// failures alike.
	Join(ctx context.Context, debug, token string, cfg Config, existing []string) error
	// Enable resumes membership of a previously formed or joined ring.
	Enable(ctx context.Context, debug string, cfg Config) error
	// Disable suspends membership while keeping the ring configuration.
	Disable(ctx context.Context, debug string) error
	// Leave exits the ring gracefully and forgets its configuration.
	Leave(ctx context.Context, debug string) error
	// Destroy exits the ring without coordination and forgets its configuration.
	Destroy(ctx context.Context, debug string) error
	Diagnostics(ctx context.Context, debug string) (Diagnostics, error)
}

// ErrorKind classifies daemon failures.
type ErrorKind string

const (
	KindInvalidParameter   ErrorKind = "invalid_parameter"
	KindNotInitialised     ErrorKind = "not_initialised"
	KindAlreadyInitialised ErrorKind = "already_initialised"
	KindNotResponding      ErrorKind = "not_responding"
	KindFailure            ErrorKind = "failure"
)

// Error is returned by Client implementations for daemon-side failures.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("daemon %s: %s", e.Kind, e.Message) }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a daemon error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Int64 returns a pointer to v, for the optional Config fields.
func Int64(v int64) *int64 { return &v }
