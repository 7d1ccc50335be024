/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lock serializes mutations of a machine's timeline.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/friendsincode/foreman/internal/telemetry"
)

// DefaultTimeout bounds how long Acquire waits.
const DefaultTimeout = 30 * time.Second

// ErrLockTimeout is returned when a lock could not be obtained in time.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// Locker hands out exclusive, per-key locks. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// MachineKey is the lock key guarding one machine's timeline.
func MachineKey(machineID string) string {
	return "machine:" + machineID
}

// Memory is an in-process Locker backed by one-slot semaphores.
type Memory struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemory creates an in-process locker. A zero timeout uses DefaultTimeout.
func NewMemory(timeout time.Duration) *Memory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Memory{timeout: timeout, slots: make(map[string]chan struct{})}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// Acquire blocks until the key is free, ctx is done or the timeout elapses.
func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	ch := m.slot(key)
	start := time.Now()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		telemetry.LockTimeoutsTotal.WithLabelValues("memory").Inc()
		return nil, ErrLockTimeout
	}
	telemetry.QueueLockWaitSeconds.WithLabelValues("memory").Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
