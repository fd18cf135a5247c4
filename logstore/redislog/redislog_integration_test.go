//go:build integration

package redislog

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alimasry/go-collab-relay/logstore"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}

	ctx = context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatal(err)
	}
	return redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(startRedis(t), Options{Prefix: "test", ReadBlock: 100 * time.Millisecond})
	if err := s.EnsureGroup(context.Background()); err != nil {
		t.Fatal(err)
	}
	// a second call must tolerate BUSYGROUP
	if err := s.EnsureGroup(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisLog_AddMessageEnqueuesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.AddMessage(ctx, "test:room:r:d", []byte{0, 2, byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.WorkerQueueLen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("WorkerQueueLen = %d, want 1", n)
	}

	res, err := s.ReadStream(ctx, "test:room:r:d")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 3 || res.Entries[2].Payload[2] != 2 {
		t.Errorf("got %+v", res.Entries)
	}
}

func TestRedisLog_ReadStreams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.ReadStreams(ctx, []logstore.Position{{Stream: "test:room:a:b", LastID: "0"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Fatalf("got %+v from empty stream", res)
	}

	s.AddMessage(ctx, "test:room:a:b", []byte("x"))
	res, err = s.ReadStreams(ctx, []logstore.Position{{Stream: "test:room:a:b", LastID: "0"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || string(res[0].Entries[0].Payload) != "x" {
		t.Errorf("got %+v", res)
	}
}

func TestRedisLog_ClaimRotateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stream := "test:room:a:b"
	s.AddMessage(ctx, stream, []byte("x"))

	tasks, err := s.Claim(ctx, "w", time.Hour, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("claimed %d tasks before the debounce", len(tasks))
	}

	tasks, err = s.Claim(ctx, "w", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Stream != stream {
		t.Fatalf("got %+v", tasks)
	}

	last, _ := s.ReadStream(ctx, stream)
	if err := s.TrimAndRotate(ctx, tasks[0], fmt.Sprint(logstore.Ms(last.LastID)+1)); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Len(ctx, stream); n != 0 {
		t.Errorf("Len = %d after trim, want 0", n)
	}
	if n, _ := s.WorkerQueueLen(ctx); n != 1 {
		t.Errorf("WorkerQueueLen = %d after rotate, want 1", n)
	}

	tasks, err = s.Claim(ctx, "w", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks after rotate", len(tasks))
	}
	if err := s.DeleteIfEmpty(ctx, tasks[0]); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, stream); ok {
		t.Error("empty stream should be deleted")
	}
	if n, _ := s.WorkerQueueLen(ctx); n != 0 {
		t.Errorf("WorkerQueueLen = %d, want 0", n)
	}
}
