package fetchguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/hazyhaar/fetchguard/horosafe"
)

// DialBlockedError is returned when the pre-connect check refuses an address.
type DialBlockedError struct {
	Addr   string
	Reason string

	// classified is set when the address itself fell in a forbidden range.
	classified bool
}

func (e *DialBlockedError) Error() string {
	return fmt.Sprintf("fetchguard: refusing to connect to %s (%s)", e.Addr, e.Reason)
}

// Unwrap makes errors.Is(err, ErrBlocked) hold, and errors.Is(err,
// horosafe.ErrForbiddenAddress) when the classifier refused the address.
func (e *DialBlockedError) Unwrap() []error {
	if e.classified {
		return []error{ErrBlocked, horosafe.ErrForbiddenAddress}
	}
	return []error{ErrBlocked}
}

// pinnedDialer connects only to addresses vetted by SafeResolver. The host in
// the address given by the transport is ignored; only its port is used, so the
// transport can never re-resolve the name. Every socket is checked once more
// in the control hook, after the address is fixed and before connect(2).
type pinnedDialer struct {
	base       net.Dialer
	classifier *horosafe.Classifier
	addrs      []netip.Addr

	mu     sync.Mutex
	remote string
}

func newPinnedDialer(base *net.Dialer, c *horosafe.Classifier, addrs []netip.Addr) *pinnedDialer {
	d := &pinnedDialer{classifier: c, addrs: addrs}
	if base != nil {
		d.base = *base
	}
	next := d.base.ControlContext
	d.base.Control = nil
	d.base.ControlContext = func(ctx context.Context, network, address string, rc syscall.RawConn) error {
		if err := d.check(address); err != nil {
			return err
		}
		if next != nil {
			return next(ctx, network, address, rc)
		}
		return nil
	}
	return d
}

func (d *pinnedDialer) check(address string) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return &DialBlockedError{Addr: address, Reason: "unparsable socket address"}
	}
	if forbidden, reason := d.classifier.Classify(ap.Addr()); forbidden {
		return &DialBlockedError{Addr: address, Reason: reason, classified: true}
	}
	return nil
}

// DialContext tries each pinned address in order and returns the first
// connection that succeeds.
func (d *pinnedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("fetchguard: dial %q: %w", addr, err)
	}
	if len(d.addrs) == 0 {
		return nil, &DialBlockedError{Addr: addr, Reason: "no permitted address"}
	}

	var errs []error
	for _, ip := range d.addrs {
		conn, err := d.base.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			d.mu.Lock()
			d.remote = conn.RemoteAddr().String()
			d.mu.Unlock()
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// Remote returns the address of the last successful connection.
func (d *pinnedDialer) Remote() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remote
}
