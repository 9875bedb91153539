package fetchguard

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an Outcome.
type Kind int

const (
	// Success means the final response was read within every limit.
	Success Kind = iota
	// Invalid means the client-supplied URL failed validation.
	Invalid
	// Blocked means policy stopped the fetch: forbidden destination,
	// redirect limit or loop, or an oversized body.
	Blocked
	// Failed means DNS or transport failed. Failures are never retried.
	Failed
	// Overloaded means the concurrency ceiling was reached.
	Overloaded
)

var kindNames = [...]string{
	Success:    "success",
	Invalid:    "invalid",
	Blocked:    "blocked",
	Failed:     "failed",
	Overloaded: "overloaded",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per outcome family.
var (
	ErrInvalidURL = errors.New("fetchguard: invalid URL")
	ErrBlocked    = errors.New("fetchguard: blocked by policy")
	ErrResolution = errors.New("fetchguard: name resolution failed")
	ErrNetwork    = errors.New("fetchguard: network error")
	ErrTimeout    = errors.New("fetchguard: deadline exceeded")
	ErrOverloaded = errors.New("fetchguard: too many concurrent fetches")
)

// Block reasons reported in Outcome.Reason.
const (
	ReasonRedirectLimit = "redirect limit exceeded"
	ReasonRedirectLoop  = "redirect loop detected"
	ReasonBodyTooLarge  = "body too large"
	ReasonAllForbidden  = "all resolved addresses are forbidden"
)

// Failure causes reported in Outcome.Reason for Failed outcomes.
const (
	CauseTimeout    = "timeout"
	CauseDNS        = "dns"
	CauseRefused    = "connection refused"
	CauseTLS        = "tls"
	CauseNetwork    = "network"
	CauseBadRequest = "bad response"
)

// Outcome is the single result of a fetch. Body is only ever set on Success.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Header     http.Header
	Body       []byte

	// Reason is the block reason, failure cause, or validation message.
	Reason string
	// Cause is the underlying error for Failed and Invalid outcomes.
	Cause error

	Chain      []string // visited URLs, initial URL first
	RemoteAddr string   // address of the final connection
	Duration   time.Duration
}

// Err maps the outcome to its sentinel error, or nil on Success.
func (o *Outcome) Err() error {
	switch o.Kind {
	case Success:
		return nil
	case Invalid:
		return fmt.Errorf("%w: %s", ErrInvalidURL, o.Reason)
	case Blocked:
		return fmt.Errorf("%w: %s", ErrBlocked, o.Reason)
	case Overloaded:
		return ErrOverloaded
	}
	switch o.Reason {
	case CauseTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, o.Cause)
	case CauseDNS:
		return fmt.Errorf("%w: %v", ErrResolution, o.Cause)
	}
	return fmt.Errorf("%w: %s: %v", ErrNetwork, o.Reason, o.Cause)
}

func invalid(reason string, cause error) Outcome {
	return Outcome{Kind: Invalid, Reason: reason, Cause: cause}
}

func blocked(reason string) Outcome {
	return Outcome{Kind: Blocked, Reason: reason}
}

func failed(cause string, err error) Outcome {
	return Outcome{Kind: Failed, Reason: cause, Cause: err}
}
