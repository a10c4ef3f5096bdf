package whitelist

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jmcleod/gatekeeper/ipmatch"
)

// DefaultCacheTTL is how long a compiled copy of the active rules is reused.
const DefaultCacheTTL = 30 * time.Second

const activeKey = "active"

// compiled is the active rule set as cached between lookups. count is the
// number of rules configured, not the number that compiled.
type compiled struct {
	set   *ipmatch.Set
	count int
}

// Checker decides whether an address is whitelisted by the union of a fixed
// list of ranges and the active rules from a Source. When neither holds any
// entry the whitelist is unconfigured and every address is allowed. A
// malformed entry still counts as configured and matches nothing.
type Checker struct {
	src    Source
	ranges []string
	static *ipmatch.Set
	cache  *gocache.Cache
	ttl    time.Duration
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithStaticRanges adds ranges that are always whitelisted.
func WithStaticRanges(ranges []string) CheckerOption {
	return func(c *Checker) {
		c.ranges = append(c.ranges, ranges...)
		c.static = ipmatch.Compile(c.ranges)
	}
}

// WithCacheTTL sets how long active rules are cached. Zero disables the
// cache.
func WithCacheTTL(d time.Duration) CheckerOption {
	return func(c *Checker) { c.ttl = d }
}

// NewChecker returns a Checker over src. src may be nil.
func NewChecker(src Source, opts ...CheckerOption) *Checker {
	c := &Checker{src: src, ttl: DefaultCacheTTL}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl > 0 {
		c.cache = gocache.New(c.ttl, 2*c.ttl)
	}
	return c
}

// ForRanges returns a Checker that also admits ranges on top of the
// receiver's static ranges. It shares the receiver's source and rule cache.
func (c *Checker) ForRanges(ranges []string) *Checker {
	cp := *c
	cp.ranges = append(append([]string(nil), c.ranges...), ranges...)
	cp.static = ipmatch.Compile(cp.ranges)
	return &cp
}

// Allowed reports whether ip may proceed. An error from the rule source is
// returned alongside false; callers decide whether to fail open.
func (c *Checker) Allowed(ctx context.Context, ip string) (bool, error) {
	if c.static.Contains(ip) {
		return true, nil
	}
	active, err := c.active(ctx)
	if err != nil {
		return false, err
	}
	if configured(c.ranges) == 0 && active.count == 0 {
		return true, nil
	}
	return active.set.Contains(ip), nil
}

// Invalidate drops the cached rule set.
func (c *Checker) Invalidate() {
	if c.cache != nil {
		c.cache.Delete(activeKey)
	}
}

func (c *Checker) active(ctx context.Context) (compiled, error) {
	if c.src == nil {
		return compiled{}, nil
	}
	if c.cache != nil {
		if v, ok := c.cache.Get(activeKey); ok {
			return v.(compiled), nil
		}
	}
	rules, err := c.src.ActiveRules(ctx)
	if err != nil {
		return compiled{}, err
	}
	ranges := make([]string, 0, len(rules))
	for _, r := range rules {
		ranges = append(ranges, r.CIDR)
	}
	out := compiled{set: ipmatch.Compile(ranges), count: configured(ranges)}
	if c.cache != nil {
		c.cache.SetDefault(activeKey, out)
	}
	return out, nil
}

func configured(ranges []string) int {
	n := 0
	for _, r := range ranges {
		if strings.TrimSpace(r) != "" {
			n++
		}
	}
	return n
}
