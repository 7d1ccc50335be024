/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	_ Locker = (*Memory)(nil)
	_ Locker = (*Redis)(nil)
)

func TestMemoryExcludesConcurrentHolders(t *testing.T) {
	l := NewMemory(time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, MachineKey("m-1"))
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
}

func TestMemoryTimesOut(t *testing.T) {
	l := NewMemory(20 * time.Millisecond)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := l.Acquire(context.Background(), "k"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestMemoryHonoursContext(t *testing.T) {
	l := NewMemory(time.Minute)
	release, _ := l.Acquire(context.Background(), "k")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryKeysAreIndependentAndReleaseIsIdempotent(t *testing.T) {
	l := NewMemory(50 * time.Millisecond)
	ctx := context.Background()

	a, err := l.Acquire(ctx, MachineKey("a"))
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := l.Acquire(ctx, MachineKey("b"))
	if err != nil {
		t.Fatalf("acquire b while a held: %v", err)
	}
	b()
	a()
	a()

	again, err := l.Acquire(ctx, MachineKey("a"))
	if err != nil {
		t.Fatalf("reacquire a: %v", err)
	}
	again()
}

func TestRedisLock(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	l := NewRedis(client, RedisConfig{KeyPrefix: "foreman:test:lock:", Timeout: 100 * time.Millisecond}, zerolog.Nop())
	key := MachineKey("redis-test")

	release, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background(), key); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	release()

	release2, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release2()
}
