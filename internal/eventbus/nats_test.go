/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/events"
)

func TestNATSMessageRoundTrip(t *testing.T) {
	data, err := marshalNATSMessage(events.EventShunted, events.Payload{"machine_id": "m-1"}, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := unmarshalNATSMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.EventType != events.EventShunted || msg.NodeID != "node-a" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Payload["machine_id"] != "m-1" {
		t.Fatalf("payload lost: %+v", msg.Payload)
	}
	if msg.MessageID == "" {
		t.Fatal("message id should be set")
	}
}

func TestNATSBusFallsBackToLocalDelivery(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.MaxReconnects = 0
	cfg.Timeout = 200 * time.Millisecond

	bus := NewNATSBus(cfg, "node-a", zerolog.Nop())
	defer bus.Close()

	if bus.Connected() {
		t.Skip("unexpected NATS server on 127.0.0.1:1")
	}

	sub := bus.Subscribe(events.EventJobScheduled)
	bus.Publish(events.EventJobScheduled, events.Payload{"job_id": "j-1"})

	select {
	case p := <-sub:
		if p["job_id"] != "j-1" {
			t.Fatalf("unexpected payload %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered locally")
	}
}
