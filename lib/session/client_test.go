// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/testutil"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// pipeDialer serves every dial with a ServerConn on the other end of a
// net.Pipe, or fails while failures remain.
type pipeDialer struct {
	handler Handler

	mu       sync.Mutex
	dials    int
	failures int
	servers  []*ServerConn
}

func (d *pipeDialer) DialContext(_ context.Context, _ string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	clientSide, serverSide := net.Pipe()
	d.servers = append(d.servers, NewServerConn(serverSide, d.handler, 0, Options{}))
	return clientSide, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) lastServer() *ServerConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers[len(d.servers)-1]
}

type eventLog struct {
	events chan Event
}

func newEventLog() *eventLog {
	return &eventLog{events: make(chan Event, 32)}
}

func (l *eventLog) observe(event Event) { l.events <- event }

func TestClientConnectNegotiates(t *testing.T) {
	dialer := &pipeDialer{handler: &testHandler{}}
	log := newEventLog()
	client := NewClient(ClientOptions{
		Dialer:       dialer,
		Address:      "host",
		ClientName:   "laptop",
		Capabilities: []string{wire.CapabilityCompression},
		Observer:     log.observe,
	})
	defer client.Close()

	ack, err := client.Connect(callContext(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ack.HostName != "test-host" || ack.RootInode != wire.RootInode {
		t.Errorf("ack = %+v", ack)
	}
	if !client.HasCapability(wire.CapabilityCompression) {
		t.Error("compression capability not negotiated")
	}

	event := testutil.RequireReceive(t, log.events, 5*time.Second, "no lifecycle event")
	if event.State != Established || event.Ack == nil {
		t.Errorf("event = %+v, want Established with ack", event)
	}

	// Calls reuse the persistent connection.
	for range 3 {
		if _, err := client.Call(callContext(t), &wire.GetAttr{Inode: 1}); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dialed %d times, want 1", dialer.dialCount())
	}
}

func TestClientReconnectsAfterConnectionLoss(t *testing.T) {
	dialer := &pipeDialer{handler: &testHandler{}}
	log := newEventLog()
	client := NewClient(ClientOptions{Dialer: dialer, Address: "host", Observer: log.observe})
	defer client.Close()

	if _, err := client.Connect(callContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, log.events, 5*time.Second, "no established event")

	// The host drops the connection without a goodbye.
	dialer.lastServer().shutdown(errors.New("host crashed"))

	degraded := testutil.RequireReceive(t, log.events, 5*time.Second, "no degraded event")
	if degraded.State != Degraded {
		t.Fatalf("event = %+v, want Degraded", degraded)
	}

	response, err := client.Call(callContext(t), &wire.GetAttr{Inode: 3})
	if err != nil {
		t.Fatalf("Call after loss: %v", err)
	}
	if response.(*wire.AttrResponse).Attr.Inode != 3 {
		t.Errorf("response = %+v", response)
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dialed %d times, want 2", dialer.dialCount())
	}
	if event := testutil.RequireReceive(t, log.events, 5*time.Second, "no re-established event"); event.State != Established || event.Restarted {
		t.Errorf("event = %+v, want Established from the same host", event)
	}
}

func TestClientReportsRestartedHost(t *testing.T) {
	handler := &testHandler{}
	dialer := &pipeDialer{handler: handler}
	log := newEventLog()
	client := NewClient(ClientOptions{Dialer: dialer, Address: "host", Observer: log.observe})
	defer client.Close()

	if _, err := client.Connect(callContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if event := testutil.RequireReceive(t, log.events, 5*time.Second, "no established event"); event.Restarted {
		t.Errorf("first connection reported as a restart")
	}

	handler.restart("second")
	dialer.lastServer().shutdown(errors.New("host exited"))
	testutil.RequireReceive(t, log.events, 5*time.Second, "no degraded event")

	if _, err := client.Call(callContext(t), &wire.GetAttr{Inode: 3}); err != nil {
		t.Fatalf("Call after restart: %v", err)
	}
	event := testutil.RequireReceive(t, log.events, 5*time.Second, "no re-established event")
	if event.State != Established || !event.Restarted {
		t.Errorf("event = %+v, want Established with Restarted", event)
	}
	if event.Ack == nil || event.Ack.Instance != "second" {
		t.Errorf("event ack = %+v", event.Ack)
	}
}

func TestClientObserverRunsBeforeConnectionIsUsable(t *testing.T) {
	dialer := &pipeDialer{handler: &testHandler{}}
	var client *Client
	usable := make(chan bool, 4)
	client = NewClient(ClientOptions{
		Dialer:  dialer,
		Address: "host",
		Observer: func(event Event) {
			if event.State == Established {
				usable <- client.Ack() != nil
			}
		},
	})
	defer client.Close()

	if _, err := client.Connect(callContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.lastServer().shutdown(errors.New("host crashed"))
	if _, err := client.Call(callContext(t), &wire.GetAttr{Inode: 1}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	for range 2 {
		if testutil.RequireReceive(t, usable, 5*time.Second, "no established event") {
			t.Error("connection was published before the observer ran")
		}
	}
}

func TestClientRejectsIncompatibleHost(t *testing.T) {
	dialer := &pipeDialer{handler: &testHandler{chunkSize: 64 * 1024}}
	client := NewClient(ClientOptions{Dialer: dialer, Address: "host"})
	defer client.Close()

	_, err := client.Connect(callContext(t))
	var protocol *wire.ProtocolError
	if !errors.Is(err, ErrUnavailable) || !errors.As(err, &protocol) {
		t.Fatalf("Connect = %v, want ErrUnavailable wrapping a protocol error", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dialed %d times, want 1", dialer.dialCount())
	}
}

func TestClientBackoffThenLost(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	dialer := &pipeDialer{handler: &testHandler{}, failures: 100}
	log := newEventLog()
	client := NewClient(ClientOptions{
		Dialer:   dialer,
		Address:  "host",
		Observer: log.observe,
		Clock:    fake,
	})
	defer client.Close()

	result := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), &wire.GetAttr{Inode: 1})
		result <- err
	}()

	wantDelays := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}
	for index, delay := range wantDelays {
		event := testutil.RequireReceive(t, log.events, 5*time.Second, "no degraded event")
		if event.State != Degraded || event.Attempt != index+1 {
			t.Fatalf("event %d = %+v, want Degraded attempt %d", index, event, index+1)
		}
		fake.WaitForTimers(1)
		// Just short of the delay nothing happens.
		fake.Advance(delay - time.Millisecond)
		if count := dialer.dialCount(); count != index+1 {
			t.Fatalf("dialed %d times before backoff elapsed, want %d", count, index+1)
		}
		fake.Advance(time.Millisecond)
	}

	lost := testutil.RequireReceive(t, log.events, 5*time.Second, "no lost event")
	if lost.State != Lost || lost.Attempt != DefaultMaxAttempts {
		t.Errorf("event = %+v, want Lost after %d attempts", lost, DefaultMaxAttempts)
	}
	err := testutil.RequireReceive(t, result, 5*time.Second, "call did not fail")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Call = %v, want ErrUnavailable", err)
	}
	if dialer.dialCount() != DefaultMaxAttempts {
		t.Errorf("dialed %d times, want %d", dialer.dialCount(), DefaultMaxAttempts)
	}
}

func TestClientBackoffSchedule(t *testing.T) {
	client := NewClient(ClientOptions{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{5, 3200 * time.Millisecond},
		{6, 6400 * time.Millisecond},
		{7, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, test := range tests {
		if got := client.backoff(test.attempt); got != test.want {
			t.Errorf("backoff(%d) = %v, want %v", test.attempt, got, test.want)
		}
	}
}

func TestClientRefusedHelloIsNotRetried(t *testing.T) {
	refuse := HandlerFunc(func(context.Context, wire.Message) wire.Message {
		return wire.ErrorMessage(wire.CodePermissionDenied, 0, "not welcome")
	})
	dialer := &pipeDialer{handler: refuse}
	client := NewClient(ClientOptions{Dialer: dialer, Address: "host"})
	defer client.Close()

	_, err := client.Connect(callContext(t))
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, &wire.RemoteError{Code: wire.CodePermissionDenied}) {
		t.Fatalf("Connect = %v, want ErrUnavailable wrapping PermissionDenied", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dialed %d times, want 1", dialer.dialCount())
	}
}

func TestClientCallAfterClose(t *testing.T) {
	client := NewClient(ClientOptions{Dialer: &pipeDialer{handler: &testHandler{}}, Address: "host"})
	client.Close()
	if _, err := client.Call(callContext(t), &wire.GetAttr{Inode: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Call after Close = %v, want ErrClosed", err)
	}
}
