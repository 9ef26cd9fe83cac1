package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dumps live gateway state out of Redis: emergency stop records and
// rate limit windows. Operator debugging tool, not part of the server.
func main() {
	addr := flag.String("addr", "localhost:6379", "redis address")
	password := flag.String("password", "", "redis password")
	db := flag.Int("db", 0, "redis db")
	flag.Parse()

	client := redis.NewClient(&redis.Options{
		Addr:     *addr,
		Password: *password,
		DB:       *db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis unreachable at %s: %v", *addr, err)
	}

	fmt.Println("--- Emergency Stops ---")
	stopKeys, err := client.Keys(ctx, "estop:*").Result()
	if err != nil {
		log.Fatalf("keys failed: %v", err)
	}
	if len(stopKeys) == 0 {
		fmt.Println("(none)")
	}
	for _, key := range stopKeys {
		val, err := client.Get(ctx, key).Result()
		if err != nil {
			fmt.Printf("%s: <error: %v>\n", key, err)
			continue
		}
		fmt.Printf("%s: %s\n", key, val)
	}

	fmt.Println("\n--- Rate Limit Windows ---")
	rlKeys, err := client.Keys(ctx, "rl:*").Result()
	if err != nil {
		log.Fatalf("keys failed: %v", err)
	}
	if len(rlKeys) == 0 {
		fmt.Println("(none)")
	}
	for _, key := range rlKeys {
		count, err := client.ZCard(ctx, key).Result()
		if err != nil {
			fmt.Printf("%s: <error: %v>\n", key, err)
			continue
		}
		zs, _ := client.ZRangeWithScores(ctx, key, 0, 0).Result()
		oldest := ""
		if len(zs) > 0 {
			oldest = time.Unix(0, int64(zs[0].Score)).Format(time.RFC3339)
		}
		fmt.Printf("%s: %d in window (oldest %s)\n", key, count, oldest)
	}
}
