package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/memlru/internal/logging"
	"github.com/cachemir/memlru/pkg/client"
)

func main() {
	nodes := []string{"localhost:11211", "localhost:11212", "localhost:11213"}
	if env := os.Getenv("MEMLRU_NODES"); env != "" {
		nodes = strings.Split(env, ",")
	}

	logger, err := logging.New("warn")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := client.New(nodes, client.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("=== memlru Client Example ===")
	fmt.Printf("Nodes: %v\n", c.Nodes())

	fmt.Println("\n--- SET / GET ---")

	if err := c.Set(ctx, "user:1", []byte("john_doe"), 0); err != nil {
		log.Printf("SET failed: %v", err)
	} else {
		fmt.Println("✓ SET user:1 = john_doe")
	}

	if value, _, err := c.Get(ctx, "user:1"); err != nil {
		log.Printf("GET failed: %v", err)
	} else {
		fmt.Printf("✓ GET user:1 = %s\n", value)
	}

	fmt.Println("\n--- Flags ---")

	const jsonFlag = 0x4a534f4e
	if err := c.Set(ctx, "user:1:profile", []byte(`{"name":"John"}`), jsonFlag); err != nil {
		log.Printf("SET failed: %v", err)
	} else if value, flags, err := c.Get(ctx, "user:1:profile"); err != nil {
		log.Printf("GET failed: %v", err)
	} else {
		fmt.Printf("✓ GET user:1:profile = %s (flags 0x%08x)\n", value, flags)
	}

	fmt.Println("\n--- Misses ---")

	if _, _, err := c.Get(ctx, "does-not-exist"); errors.Is(err, client.ErrNotFound) {
		fmt.Println("✓ GET does-not-exist = (miss)")
	} else if err != nil {
		log.Printf("GET failed: %v", err)
	}

	fmt.Println("\n--- Distribution ---")

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("item:%d", i)
		if err := c.Set(ctx, key, []byte(fmt.Sprintf("value-%d", i)), 0); err != nil {
			logger.Warn("SET failed", zap.String("key", key), zap.Error(err))
		}
	}
	fmt.Println("✓ SET item:0 .. item:9 across the cluster")

	fmt.Println("\n--- Oversized items ---")

	var statusErr *client.StatusError
	if err := c.Set(ctx, "huge", make([]byte, 512<<10), 0); errors.As(err, &statusErr) {
		fmt.Printf("✓ SET huge rejected: %s\n", statusErr.Status)
	} else if err != nil {
		log.Printf("SET failed: %v", err)
	} else {
		fmt.Println("✓ SET huge stored")
	}

	fmt.Println("\n=== Example completed ===")
}
