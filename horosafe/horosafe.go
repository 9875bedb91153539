// Package horosafe provides the static SSRF guards of fetchguard: address
// classification, URL validation with numeric-host normalization, and bounded
// I/O helpers.
//
// Nothing in this package performs network I/O. Resolution and connection
// pinning live in package fetchguard, which calls back into the Classifier
// for every address it is about to use.
package horosafe

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrInvalidURL is wrapped by every URL rejection.
var ErrInvalidURL = errors.New("horosafe: invalid URL")

// ErrForbiddenAddress is wrapped by connection refusals for addresses the
// Classifier forbids.
var ErrForbiddenAddress = errors.New("horosafe: address is forbidden")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: body too large")

// RejectError carries the reason a URL was rejected by the Validator.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "horosafe: URL rejected: " + e.Reason }

// Unwrap lets errors.Is(err, ErrInvalidURL) match every rejection.
func (e *RejectError) Unwrap() error { return ErrInvalidURL }

func reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// LimitedReadAll reads at most maxBytes from r. It never buffers more than
// maxBytes+1 bytes and returns ErrTooLarge if r holds more than maxBytes.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}
