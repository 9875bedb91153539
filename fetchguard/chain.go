package fetchguard

import "errors"

var (
	errChainLoop  = errors.New(ReasonRedirectLoop)
	errChainLimit = errors.New(ReasonRedirectLimit)
)

// RedirectChain records the URLs visited by one fetch. Its capacity is the
// initial URL plus maxRedirects hops, so the hop limit holds structurally.
type RedirectChain struct {
	urls  []string
	seen  map[string]struct{}
	limit int
}

// NewRedirectChain returns an empty chain allowing maxRedirects hops.
func NewRedirectChain(maxRedirects int) *RedirectChain {
	return &RedirectChain{
		seen:  make(map[string]struct{}, maxRedirects+1),
		limit: maxRedirects + 1,
	}
}

// Push appends u. It fails if u was already visited or if the chain is full.
func (c *RedirectChain) Push(u string) error {
	if _, ok := c.seen[u]; ok {
		return errChainLoop
	}
	if len(c.urls) >= c.limit {
		return errChainLimit
	}
	c.seen[u] = struct{}{}
	c.urls = append(c.urls, u)
	return nil
}

// Hops returns the number of redirects followed so far.
func (c *RedirectChain) Hops() int {
	if len(c.urls) == 0 {
		return 0
	}
	return len(c.urls) - 1
}

// Full reports whether no further redirect may be followed.
func (c *RedirectChain) Full() bool { return len(c.urls) >= c.limit }

// URLs returns a copy of the visited URLs in order.
func (c *RedirectChain) URLs() []string {
	return append([]string(nil), c.urls...)
}
