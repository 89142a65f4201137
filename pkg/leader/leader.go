// Copyright 2026 Unicity Labs
//
// Package leader implements the TTL-fenced distributed lock that
// elects exactly one Round Manager instance cluster-wide (spec §4.5),
// grounded on the reference consensus health monitor's
// ticker+callback+internal-context loop.
package leader

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicitylabs/aggregator/pkg/storage"
)

// Config tunes the lock's timing, defaulting per spec §4.5/§6.
type Config struct {
	LockID            string
	TTL               time.Duration // default 30s
	HeartbeatInterval time.Duration // default 10s, must be << TTL
	PollInterval      time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.LockID == "" {
		c.LockID = "aggregator-leader"
	}
	if c.TTL == 0 {
		c.TTL = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Elector runs the acquire/heartbeat/poll state machine and invokes
// becomeLeader/loseLeadership callbacks to toggle Round Manager
// production and follower mirror activity (spec §4.5).
type Elector struct {
	mu      sync.RWMutex
	cfg     Config
	selfID  string
	storage storage.LeadershipStorage
	logger  *log.Logger

	isLeader bool

	onBecomeLeader   func()
	onLoseLeadership func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Elector with a fresh per-process UUID identity, per
// spec §3 LeaderLock.leaderId.
func New(cfg Config, ls storage.LeadershipStorage) *Elector {
	return &Elector{
		cfg:     cfg.withDefaults(),
		selfID:  uuid.NewString(),
		storage: ls,
		logger:  log.New(log.Writer(), "[LeaderElection] ", log.LstdFlags),
		done:    make(chan struct{}),
	}
}

func (e *Elector) SelfID() string { return e.selfID }

func (e *Elector) OnBecomeLeader(fn func())   { e.onBecomeLeader = fn }
func (e *Elector) OnLoseLeadership(fn func()) { e.onLoseLeadership = fn }

func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Run drives acquire-or-poll and, once leading, heartbeat, until ctx
// is cancelled. Every suspension point accepts ctx per spec §5.
func (e *Elector) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	defer close(e.done)

	for {
		if e.ctx.Err() != nil {
			e.stepDownIfLeader()
			return
		}

		if !e.IsLeader() {
			acquired, err := e.storage.TryAcquire(e.ctx, e.cfg.LockID, e.selfID, e.cfg.TTL)
			if err != nil {
				e.logger.Printf("acquire attempt failed: %v", err)
			} else if acquired {
				e.setLeader(true)
				e.logger.Printf("elected leader (selfId=%s)", e.selfID)
				if e.onBecomeLeader != nil {
					e.onBecomeLeader()
				}
			}
		}

		var wait time.Duration
		if e.IsLeader() {
			wait = e.cfg.HeartbeatInterval
		} else {
			wait = e.cfg.PollInterval
		}

		select {
		case <-e.ctx.Done():
			e.stepDownIfLeader()
			return
		case <-time.After(wait):
		}

		if e.IsLeader() {
			ok, err := e.storage.Heartbeat(e.ctx, e.cfg.LockID, e.selfID)
			if err != nil || !ok {
				e.logger.Printf("heartbeat lost leadership (err=%v)", err)
				e.setLeader(false)
				if e.onLoseLeadership != nil {
					e.onLoseLeadership()
				}
			}
		}
	}
}

func (e *Elector) setLeader(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isLeader = v
}

func (e *Elector) stepDownIfLeader() {
	if !e.IsLeader() {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.storage.Release(releaseCtx, e.cfg.LockID, e.selfID); err != nil {
		e.logger.Printf("release on shutdown failed: %v", err)
	}
	e.setLeader(false)
	if e.onLoseLeadership != nil {
		e.onLoseLeadership()
	}
}

// Stop cancels the election loop and waits for it to exit, releasing
// the lock on the way out (spec §6 "release lock" on graceful shutdown).
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}
