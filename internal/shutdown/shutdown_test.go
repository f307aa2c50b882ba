package shutdown

import (
	"sync"
	"testing"
	"time"
)

func TestCoordinator_InitiallyClear(t *testing.T) {
	c := New()
	if c.Requested() {
		t.Error("new coordinator should not be requested")
	}
	if !c.RequestedAt().IsZero() {
		t.Error("RequestedAt should be zero before Request")
	}
	select {
	case <-c.Done():
		t.Error("Done should not be closed before Request")
	default:
	}
}

func TestCoordinator_RequestIsIdempotent(t *testing.T) {
	c := New()
	c.Request("first")
	at := c.RequestedAt()

	c.Request("second")
	if !c.Requested() {
		t.Fatal("flag should be set")
	}
	if !c.RequestedAt().Equal(at) {
		t.Errorf("second Request changed RequestedAt: %v -> %v", at, c.RequestedAt())
	}
}

func TestCoordinator_ConcurrentRequests(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Request("concurrent")
		}()
	}
	wg.Wait()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after concurrent requests")
	}
}

func TestFlag_ObservesRequest(t *testing.T) {
	c := New()
	var flag Flag = c

	seen := make(chan struct{})
	go func() {
		for !flag.Requested() {
			time.Sleep(time.Millisecond)
		}
		close(seen)
	}()

	c.Request("test")
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never observed the request")
	}
}
