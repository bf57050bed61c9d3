package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return e
}

func TestPublishOrderPreserved(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(MemoryAllocated{DeviceID: "d", MemoryMB: int64(i)})
	}
	for i := 0; i < 10; i++ {
		e := recvOne(t, sub).(MemoryAllocated)
		if e.MemoryMB != int64(i) {
			t.Fatalf("event %d out of order: got %d", i, e.MemoryMB)
		}
	}
}

func TestSubscriberStartsAtNewest(t *testing.T) {
	b := New()
	b.Publish(DeviceDenied{DeviceID: "old"})

	sub := b.Subscribe()
	defer sub.Close()
	b.Publish(DeviceDenied{DeviceID: "new"})

	e := recvOne(t, sub).(DeviceDenied)
	if e.DeviceID != "new" {
		t.Fatalf("got %q, want only events published after subscribing", e.DeviceID)
	}
}

func TestLaggedSubscriberSkipsAndContinues(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	// Overrun the ring by 10.
	for i := 0; i < ringSize+10; i++ {
		b.Publish(MemoryAllocated{MemoryMB: int64(i)})
	}

	ctx := context.Background()
	_, err := sub.Recv(ctx)
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("err = %v, want LagError", err)
	}
	if lag.Skipped != 10 {
		t.Errorf("skipped = %d, want 10", lag.Skipped)
	}

	// The next read resumes at the oldest retained entry.
	e := recvOne(t, sub).(MemoryAllocated)
	if e.MemoryMB != 10 {
		t.Errorf("resumed at %d, want 10", e.MemoryMB)
	}
}

func TestCloseDrainsThenEnds(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(RPCServerReady{Port: 8181})
	b.Close()

	if _, ok := recvOne(t, sub).(RPCServerReady); !ok {
		t.Fatal("retained event lost on close")
	}
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestPublishAfterCloseDropped(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Close()
	b.Publish(RPCServerReady{Port: 8181})

	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRecvHonorsContext(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMarshalInjectsTypeTag(t *testing.T) {
	raw, err := Marshal(DeviceApproved{DeviceID: "d1", Name: "n", IP: "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "device_approved" {
		t.Errorf("type = %v, want device_approved", m["type"])
	}
	if m["device_id"] != "d1" || m["ip"] != "10.0.0.5" {
		t.Errorf("payload fields missing: %v", m)
	}
}

func TestMarshalEmptyPayload(t *testing.T) {
	raw, err := Marshal(RPCServerOffline{})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "rpc_server_offline" || len(m) != 1 {
		t.Errorf("marshal = %s", raw)
	}
}
