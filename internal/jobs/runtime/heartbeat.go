package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	ImporterHeartbeatPrefix  = "phishlookup:importer:"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTTL      = 45 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// StartHeartbeat refreshes a short-lived key every interval until ctx is
// done, so the lookup API can tell whether an importer is running.
func StartHeartbeat(ctx context.Context, client redis.UniversalClient, interval, ttl time.Duration) {
	key := ImporterHeartbeatPrefix + instanceID

	beat := func() {
		if err := client.SetEx(ctx, key, "alive", ttl).Err(); err != nil && ctx.Err() == nil {
			log.Warn("Failed to update importer heartbeat", "key", key, "error", err)
		}
	}

	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Del(cleanupCtx, key).Err()
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// CountImporters returns the number of importers with a live heartbeat.
func CountImporters(ctx context.Context, client redis.UniversalClient) (int, error) {
	count := 0
	iter := client.Scan(ctx, 0, ImporterHeartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
