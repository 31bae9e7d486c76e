package cache

// Hooks are lightweight callbacks for cache events.
// Implementations MUST be cheap and non-blocking: they run while the cache
// lock is held.
type Hooks interface {
	// Get found the key.
	Hit()
	// Get did not find the key.
	Miss()
	// An entry was evicted to make room; size is its value+metadata bytes.
	Evicted(key string, size int)
	// A Set completed; items and usage describe the cache afterwards.
	Stored(items, usage int)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) Hit()                {}
func (NopHooks) Miss()               {}
func (NopHooks) Evicted(string, int) {}
func (NopHooks) Stored(int, int)     {}
