package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

// TestSwitch verifies state changes are edge-triggered.
func TestSwitch(t *testing.T) {
	s := NewSwitch(false)
	assert.False(t, s.Online())

	events, cancel := s.Subscribe()
	defer cancel()

	assert.True(t, s.Set(true))
	assert.False(t, s.Set(true), "no event for an unchanged state")
	assert.True(t, s.Online())

	ev := receive(t, events)
	assert.True(t, ev.Online)
	assert.False(t, ev.At.IsZero())

	assert.True(t, s.Set(false))
	assert.False(t, receive(t, events).Online)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

// TestSubscribe_cancel verifies cancelled subscribers are closed and skipped.
func TestSubscribe_cancel(t *testing.T) {
	s := NewSwitch(false)
	events, cancel := s.Subscribe()
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)
	assert.NotPanics(t, func() { s.Set(true) })
}

// TestSubscribe_slowSubscriber verifies publishing never blocks.
func TestSubscribe_slowSubscriber(t *testing.T) {
	s := NewSwitch(false)
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			s.Set(i%2 == 0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on a full subscriber")
	}
}

// TestProbe_Check verifies status mapping.
func TestProbe_Check(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewProbe(srv.URL+"/health", time.Second, nil)
	assert.False(t, p.Online())

	events, cancel := p.Subscribe()
	defer cancel()

	ctx := context.Background()
	assert.True(t, p.Check(ctx))
	assert.True(t, receive(t, events).Online)

	status.Store(http.StatusNotFound)
	assert.True(t, p.Check(ctx), "a 4xx still proves reachability")

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, p.Check(ctx))
	assert.False(t, receive(t, events).Online)
}

// TestProbe_unreachable verifies transport errors are offline.
func TestProbe_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProbe(url, 0, nil)
	assert.Equal(t, DefaultProbeInterval, p.interval)
	assert.False(t, p.Check(context.Background()))
}

// TestProbe_Run verifies the loop checks immediately and stops with ctx.
func TestProbe_Run(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Online())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
