package rules

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/logging"
)

// Source lists the active rules from the shared store.
type Source interface {
	ListActiveRules(ctx context.Context) ([]*Rule, error)
}

// Cache holds the current ordered list of active rules in memory.
// Refresh replaces the list with a single pointer swap, so request-path
// readers never observe a torn state and never block the writer.
type Cache struct {
	source Source
	rules  atomic.Pointer[[]*Rule]
}

// NewCache creates an empty rule cache backed by the given source.
func NewCache(source Source) *Cache {
	c := &Cache{source: source}
	empty := make([]*Rule, 0)
	c.rules.Store(&empty)
	return c
}

// Load performs the initial rule load, retrying with exponential backoff
// until the store responds or the context is cancelled.
func (c *Cache) Load(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		return c.Refresh(ctx)
	}, backoff.WithContext(bo, ctx))
}

// Refresh loads active rules from the store and installs the new list.
// On store failure the previous list stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	loaded, err := c.source.ListActiveRules(ctx)
	if err != nil {
		logging.Error("Rule refresh failed, keeping previous rules", zap.Error(err))
		return err
	}

	ordered := orderRules(loaded)
	c.rules.Store(&ordered)
	logging.Info("Loaded active rate limit rules", zap.Int("count", len(ordered)))
	return nil
}

// Rules returns the current rule list snapshot. Callers must not mutate it.
func (c *Cache) Rules() []*Rule {
	return *c.rules.Load()
}

// Match returns the first rule whose path pattern matches the request path,
// or nil. The list is pre-ordered by priority, specificity, insertion order.
func (c *Cache) Match(path string) *Rule {
	for _, r := range c.Rules() {
		if ok, err := doublestar.Match(r.PathPattern, path); err == nil && ok {
			return r
		}
	}
	return nil
}

// orderRules sorts a copy of the list: priority descending, then literal
// prefix length descending (more specific pattern first), then the order the
// store returned them in.
func orderRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return literalPrefixLen(out[i].PathPattern) > literalPrefixLen(out[j].PathPattern)
	})
	return out
}

// literalPrefixLen returns the length of the pattern before the first wildcard.
func literalPrefixLen(pattern string) int {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return i
	}
	return len(pattern)
}
