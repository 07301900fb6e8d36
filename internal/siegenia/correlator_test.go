package siegenia

import (
	"errors"
	"sync"
	"testing"
)

func TestAllocateIDStartsAtOneAndIncreases(t *testing.T) {
	c := newCorrelator()
	for want := int64(1); want <= 5; want++ {
		if got := c.allocateID(); got != want {
			t.Fatalf("allocateID() = %d, want %d", got, want)
		}
	}
}

func TestAllocateIDConcurrentUnique(t *testing.T) {
	c := newCorrelator()
	const n = 500
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- c.allocateID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	c := newCorrelator()
	if _, err := c.register(1, "getDevice"); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if _, err := c.register(1, "getDevice"); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("second register() error = %v, want ErrDuplicateRequest", err)
	}
}

func TestDispatch(t *testing.T) {
	c := newCorrelator()
	p, err := c.register(2, "getDeviceState")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if c.dispatch(Document{"event": "stateChanged"}) {
		t.Error("dispatch(push) = true")
	}
	if c.dispatch(Document{"id": float64(3), "status": "ok"}) {
		t.Error("dispatch(unknown id) = true")
	}
	if c.size() != 1 {
		t.Fatalf("size = %d, want 1", c.size())
	}

	if !c.dispatch(Document{"id": float64(2), "status": "ok", "data": map[string]any{"fanpower": 40.0}}) {
		t.Fatal("dispatch(matching id) = false")
	}
	r := <-p.done
	if r.status != "ok" || r.err != nil {
		t.Errorf("response = %+v", r)
	}
	if AsDocument(r.data)["fanpower"] != 40.0 {
		t.Errorf("data = %v", r.data)
	}
	if c.size() != 0 {
		t.Errorf("size = %d, want 0", c.size())
	}

	// A duplicate reply is unmatched once the entry is gone.
	if c.dispatch(Document{"id": float64(2), "status": "ok"}) {
		t.Error("second dispatch for resolved id = true")
	}
}

func TestDiscard(t *testing.T) {
	c := newCorrelator()
	if _, err := c.register(4, "getDevice"); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	c.discard(4)
	if c.size() != 0 {
		t.Errorf("size = %d, want 0", c.size())
	}
	if c.dispatch(Document{"id": float64(4), "status": "ok"}) {
		t.Error("dispatch after discard = true")
	}
}

func TestFailAll(t *testing.T) {
	c := newCorrelator()
	var slots []*pendingRequest
	for id := int64(1); id <= 3; id++ {
		p, err := c.register(id, "getDevice")
		if err != nil {
			t.Fatalf("register(%d) error = %v", id, err)
		}
		slots = append(slots, p)
	}

	if n := c.failAll(ErrConnectionLost); n != 3 {
		t.Errorf("failAll() = %d, want 3", n)
	}
	for _, p := range slots {
		r := <-p.done
		if !errors.Is(r.err, ErrConnectionLost) {
			t.Errorf("id %d error = %v, want ErrConnectionLost", p.id, r.err)
		}
	}
	if c.size() != 0 {
		t.Errorf("size = %d, want 0", c.size())
	}
}

func TestPendingResolvesOnce(t *testing.T) {
	p := &pendingRequest{id: 1, done: make(chan response, 1)}
	p.resolve(response{status: "ok"})
	p.resolve(response{status: "late"})
	if r := <-p.done; r.status != "ok" {
		t.Errorf("status = %q, want first resolution", r.status)
	}
}
