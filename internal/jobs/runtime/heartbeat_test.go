package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestHeartbeatLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartHeartbeat(ctx, client, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, err := CountImporters(context.Background(), client)
		if err != nil {
			t.Fatalf("CountImporters: %v", err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never appeared")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-done

	n, err := CountImporters(context.Background(), client)
	if err != nil {
		t.Fatalf("CountImporters: %v", err)
	}
	if n != 0 {
		t.Fatalf("importers after shutdown = %d, want 0", n)
	}
}

func TestHeartbeatExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.SetEx(context.Background(), ImporterHeartbeatPrefix+"ghost", "alive", time.Second).Err(); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}
	mr.FastForward(2 * time.Second)

	n, err := CountImporters(context.Background(), client)
	if err != nil {
		t.Fatalf("CountImporters: %v", err)
	}
	if n != 0 {
		t.Fatalf("importers = %d, want expired heartbeat ignored", n)
	}
}
