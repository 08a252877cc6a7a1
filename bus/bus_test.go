package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/config"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("start nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func testBus(t *testing.T) *Client {
	t.Helper()
	ns := startServer(t)

	cfg := config.BusConfig{
		URL:           ns.ClientURL(),
		Stream:        "AUTOLAND",
		SubjectPrefix: "autoland",
	}
	client, err := Connect(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	client := testBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job := Job{
		JobType:    "patchset",
		BugID:      872605,
		Branch:     "try",
		PushURL:    "ssh://hg.test/try",
		TryRun:     true,
		TrySyntax:  "-b do -p all",
		PatchsetID: 3,
		Patches: []bugzilla.Patch{
			{ID: 766478, Author: bugzilla.User{Name: "Dev", Email: "dev@test"}},
		},
	}
	if err := client.Publish(ctx, KeyPusher, job); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := make(chan Envelope, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- client.Consume(consumeCtx, KeyPusher, "test-pusher", func(_ context.Context, env Envelope) error {
			got <- env
			return nil
		})
	}()

	select {
	case env := <-got:
		stop()
		if env.Meta.RoutingKey != KeyPusher {
			t.Errorf("unexpected routing key %q", env.Meta.RoutingKey)
		}
		if env.Meta.Exchange != "AUTOLAND" {
			t.Errorf("unexpected exchange %q", env.Meta.Exchange)
		}
		if env.Meta.SentTime.IsZero() || env.Meta.ReceivedTime.IsZero() {
			t.Error("expected both envelope timestamps set")
		}
		decoded, err := DecodeJob(env)
		if err != nil {
			t.Fatalf("DecodeJob() error = %v", err)
		}
		if decoded.BugID != 872605 || decoded.PatchsetID != 3 {
			t.Errorf("unexpected job %+v", decoded)
		}
		if len(decoded.Patches) != 1 || decoded.Patches[0].Author.Email != "dev@test" {
			t.Errorf("unexpected patches %+v", decoded.Patches)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	if err := <-done; err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
}

func TestRoutingKeysAreIsolated(t *testing.T) {
	client := testBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Publish(ctx, KeyDB, Result{Type: TypeSuccess, Action: ActionTryPush}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := client.Publish(ctx, KeyPusher, Job{JobType: "patchset", BugID: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := make(chan Envelope, 2)
	consumeCtx, stop := context.WithCancel(ctx)
	go client.Consume(consumeCtx, KeyDB, "test-db", func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	})

	select {
	case env := <-got:
		stop()
		if env.Meta.RoutingKey != KeyDB {
			t.Errorf("db consumer received routing key %q", env.Meta.RoutingKey)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for db message")
	}

	select {
	case env := <-got:
		t.Errorf("db consumer received extra message with key %q", env.Meta.RoutingKey)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestPurge(t *testing.T) {
	client := testBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := client.Publish(ctx, KeyPusher, Job{JobType: "patchset", BugID: i}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if err := client.Purge(ctx, KeyPusher); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	got := make(chan Envelope, 3)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go client.Consume(consumeCtx, KeyPusher, "test-pusher", func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	})

	select {
	case <-got:
		t.Error("expected no messages after purge")
	case <-time.After(time.Second):
	}
}

func TestDecodeJobRejectsUnknownType(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"job_type": "mystery"})
	if _, err := DecodeJob(Envelope{Payload: payload}); err == nil {
		t.Error("expected error for unknown job_type")
	}
}

func TestDecodeResultRequiresType(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"action": ActionTryPush})
	if _, err := DecodeResult(Envelope{Payload: payload}); err == nil {
		t.Error("expected error for missing type")
	}
}
