// Copyright 2026 Unicity Labs
//

package leader

import (
	"context"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/pkg/storage/memory"
)

func TestElectorBecomesLeaderWhenLockIsFree(t *testing.T) {
	store := memory.New().Bind()
	e := New(Config{
		LockID:            "aggregator-leader",
		TTL:               50 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}, store.Leadership)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	becameLeader := make(chan struct{}, 1)
	e.OnBecomeLeader(func() {
		select {
		case becameLeader <- struct{}{}:
		default:
		}
	})

	go e.Run(ctx)
	defer e.Stop()

	select {
	case <-becameLeader:
	case <-time.After(time.Second):
		t.Fatalf("expected elector to become leader within timeout")
	}

	if !e.IsLeader() {
		t.Fatalf("expected IsLeader to be true after becoming leader")
	}
}

func TestElectorDoesNotStealHeldLock(t *testing.T) {
	store := memory.New().Bind()

	acquired, err := store.Leadership.TryAcquire(context.Background(), "aggregator-leader", "other-node", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("setup: expected to seed the lock, got ok=%v err=%v", acquired, err)
	}

	e := New(Config{
		LockID:            "aggregator-leader",
		TTL:               time.Minute,
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}, store.Leadership)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	e.Run(ctx)

	if e.IsLeader() {
		t.Fatalf("expected elector not to steal a lock held by another node within its TTL")
	}
}

func TestStopReleasesLock(t *testing.T) {
	store := memory.New().Bind()
	e := New(Config{
		LockID:            "aggregator-leader",
		TTL:               time.Minute,
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}, store.Leadership)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	becameLeader := make(chan struct{}, 1)
	e.OnBecomeLeader(func() {
		select {
		case becameLeader <- struct{}{}:
		default:
		}
	})
	go e.Run(ctx)

	select {
	case <-becameLeader:
	case <-time.After(time.Second):
		t.Fatalf("expected to become leader")
	}

	e.Stop()

	lock, err := store.Leadership.Get(context.Background(), "aggregator-leader")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected lock to be released on Stop, got %+v", lock)
	}
}
