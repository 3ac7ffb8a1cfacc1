package resolver

import "github.com/openspend/spend-cli/internal/model"

// Context is the run-scoped resolution cache. It is owned exclusively by the
// stage currently executing and is never shared across runs, so no locking.
// Both hits and definitive misses are cached: a name that resolved to
// no_match once will not trigger another registry call within the same run.
type Context struct {
	entries map[string]Outcome
}

// NewContext returns an empty run-scoped cache.
func NewContext() *Context {
	return &Context{entries: make(map[string]Outcome)}
}

func cacheKey(hint model.EntityType, nameKey string) string {
	return string(family(hint)) + "\x00" + nameKey
}

// Get returns the cached outcome for a (type family, name key) pair.
func (c *Context) Get(hint model.EntityType, nameKey string) (Outcome, bool) {
	out, ok := c.entries[cacheKey(hint, nameKey)]
	return out, ok
}

// Put stores an outcome, overwriting earlier entries for the same name.
func (c *Context) Put(hint model.EntityType, nameKey string, out Outcome) {
	c.entries[cacheKey(hint, nameKey)] = out
}

// Len reports the number of cached names, used in dry-run metrics.
func (c *Context) Len() int {
	return len(c.entries)
}
