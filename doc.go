// Package memlru is a memory-bounded key-value cache server speaking a subset
// of the memcached binary protocol.
//
// # Architecture Overview
//
// memlru consists of several key components:
//
//   - Cache (pkg/cache): byte-budgeted LRU store; values plus their 4-byte
//     flags count toward the budget and the least recently used entries are
//     evicted to make room
//   - Pool (pkg/pool): fixed-size worker pool with an unbounded FIFO queue
//   - Protocol (pkg/protocol): 24-byte header framing for GET and SET
//   - Server (internal/server): one dispatcher reading request headers, a
//     readiness watcher per connection, and pool workers executing requests
//   - Client SDK (pkg/client): consistent hashing across servers, connection
//     pooling and retries
//   - Configuration (pkg/config): flags, MEMLRU_* environment variables and an
//     optional .env file
//
// # Quick Start
//
// Server:
//
//	go run ./cmd/server -port 11211 -capacity 67108864 -workers 4
//
// Client:
//
//	c, err := client.New([]string{"localhost:11211"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:123", []byte("john_doe"), 0)
//	value, flags, err := c.Get(ctx, "user:123")
//
// # Observability
//
// The server logs through zap and, when -metrics-addr is set, exposes
// Prometheus metrics on /metrics: cache hits, misses, evictions and usage,
// worker queue depth and latency, open connections and request counts.
package memlru
