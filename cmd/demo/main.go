package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	httpapi "lsmkv/internal/http"
)

func check(what string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", what, err)
	}
}

func printStats(ctx context.Context, c *httpapi.Client, label string) {
	s, err := c.Stats(ctx)
	check("stats", err)
	fmt.Printf("[client] STATS %-14s memtable_size=%d memtable_entries=%d num_sstables=%d sequence_number=%d\n",
		label, s.MemtableSize, s.MemtableEntries, s.NumSSTables, s.SequenceNumber)
}

func get(ctx context.Context, c *httpapi.Client, key string) {
	v, found, err := c.Get(ctx, key)
	check("get "+key, err)
	if !found {
		fmt.Printf("[client] GET    %s -> (absent)\n", key)
		return
	}
	fmt.Printf("[client] GET    %s -> %s\n", key, v)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: demo http://localhost:8080")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c := httpapi.NewClient(os.Args[1])

	fmt.Println("=== basic scenario ===")
	printStats(ctx, c, "initial")
	for _, kv := range [][2]string{{"user:1", "A"}, {"user:2", "B"}, {"user:3", "C"}} {
		fmt.Printf("[client] PUT    %s = %s\n", kv[0], kv[1])
		check("put "+kv[0], c.Put(ctx, kv[0], kv[1]))
	}
	fmt.Println("[client] DELETE user:2")
	check("delete user:2", c.Delete(ctx, "user:2"))

	get(ctx, c, "user:1")
	get(ctx, c, "user:2")
	get(ctx, c, "user:3")
	printStats(ctx, c, "before flush")

	fmt.Println("[client] FLUSH")
	check("flush", c.Flush(ctx))
	printStats(ctx, c, "after flush")

	fmt.Println("=== range scan ===")
	entries, err := c.Scan(ctx, "user:", "user;", 0)
	check("scan", err)
	for _, e := range entries {
		fmt.Printf("[client] SCAN   %s = %s\n", e.Key, e.Value)
	}

	fmt.Println("=== compaction ===")
	check("compact", c.Compact(ctx))
	get(ctx, c, "user:1")
	get(ctx, c, "user:2")
	printStats(ctx, c, "after compact")
}
