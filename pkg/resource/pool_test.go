package resource

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeUnit struct{ name string }

func (u *fakeUnit) Name() string { return u.name }

func newUnits(n int) []*fakeUnit {
	units := make([]*fakeUnit, n)
	for i := range units {
		units[i] = &fakeUnit{name: fmt.Sprintf("iq%d", i)}
	}
	return units
}

func TestPoolExhaustion(t *testing.T) {
	for capacity := 0; capacity <= 4; capacity++ {
		t.Run(fmt.Sprintf("capacity %d", capacity), func(t *testing.T) {
			p := NewPool(KindDemodulator, newUnits(capacity)...)

			leased := make([]*fakeUnit, 0, capacity)
			for i := 0; i < capacity; i++ {
				u, err := p.Lease(fmt.Sprintf("module%d", i))
				if err != nil {
					t.Fatalf("lease %d failed: %v", i, err)
				}
				leased = append(leased, u)
			}

			_, err := p.Lease("one-too-many")
			var ire *InsufficientResourceError
			if !errors.As(err, &ire) {
				t.Fatalf("expected InsufficientResourceError, got %v", err)
			}
			if ire.Kind != KindDemodulator || ire.Requester != "one-too-many" {
				t.Errorf("unexpected error content: %+v", ire)
			}

			if capacity == 0 {
				return
			}

			p.Release(leased[0])
			if _, err := p.Lease("late"); err != nil {
				t.Fatalf("lease after release failed: %v", err)
			}
			if _, err := p.Lease("later"); err == nil {
				t.Fatalf("expected exactly one more lease to succeed")
			}
		})
	}
}

func TestPoolFirstAvailable(t *testing.T) {
	units := newUnits(3)
	p := NewPool(KindCapture, units...)

	a, _ := p.Lease("a")
	b, _ := p.Lease("b")
	if a != units[0] || b != units[1] {
		t.Fatalf("lease order not deterministic: %s, %s", a.Name(), b.Name())
	}

	p.Release(a)
	c, _ := p.Lease("c")
	if c != units[0] {
		t.Errorf("expected the first free unit, got %s", c.Name())
	}
	if got := p.Owner(units[0]); got != "c" {
		t.Errorf("Owner = %q, want c", got)
	}
}

func TestPoolLeaseWithoutRequester(t *testing.T) {
	p := NewPool(KindDemodulator, newUnits(1)...)

	for i := 0; i < 2; i++ {
		if _, err := p.Lease(""); !errors.Is(err, ErrNoRequester) {
			t.Fatalf("Lease(\"\") #%d: expected ErrNoRequester, got %v", i, err)
		}
	}
	if got := p.Available(); got != 1 {
		t.Fatalf("Available = %d, want 1", got)
	}

	a, err := p.Lease("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Lease("b"); err == nil {
		t.Fatalf("unit %s leased twice", a.Name())
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	units := newUnits(2)
	p := NewPool(KindDemodulator, units...)

	u, _ := p.Lease("a")
	p.Release(u)
	p.Release(u)
	p.Release(&fakeUnit{name: "stranger"})

	if got := p.Available(); got != 2 {
		t.Fatalf("Available = %d, want 2", got)
	}
}

func TestPoolReleaseAll(t *testing.T) {
	p := NewPool(KindDemodulator, newUnits(4)...)

	_, _ = p.Lease("a")
	_, _ = p.Lease("b")
	_, _ = p.Lease("a")

	if n := p.ReleaseAll("a"); n != 2 {
		t.Fatalf("ReleaseAll released %d, want 2", n)
	}
	if got := p.Available(); got != 3 {
		t.Fatalf("Available = %d, want 3", got)
	}
	if n := p.ReleaseAll("b"); n != 1 {
		t.Fatalf("ReleaseAll released %d, want 1", n)
	}
	if got := p.Available(); got != p.Capacity() {
		t.Fatalf("pool not back to capacity: %d/%d", got, p.Capacity())
	}
	if n := p.ReleaseAll(""); n != 0 {
		t.Fatalf("ReleaseAll(\"\") released %d", n)
	}
	if len(p.Leases()) != 0 {
		t.Fatalf("leases left: %v", p.Leases())
	}
}

func TestPoolConcurrentLease(t *testing.T) {
	const capacity = 8
	p := NewPool(KindDemodulator, newUnits(capacity)...)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[*fakeUnit]int{}
		errs int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := p.Lease(fmt.Sprintf("r%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			seen[u]++
		}(i)
	}
	wg.Wait()

	if len(seen) != capacity || errs != 32-capacity {
		t.Fatalf("got %d distinct units and %d errors", len(seen), errs)
	}
	for u, n := range seen {
		if n != 1 {
			t.Errorf("unit %s leased %d times", u.Name(), n)
		}
	}
}
