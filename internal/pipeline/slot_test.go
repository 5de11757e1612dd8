package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
)

func TestSlotSerializesPerCredential(t *testing.T) {
	table := newSlotTable(time.Second)
	ctx := context.Background()

	release, err := table.acquire(ctx, "cred")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		r2, err := table.acquire(ctx, "cred")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while slot held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the slot after release")
	}
}

func TestSlotDifferentCredentialsIndependent(t *testing.T) {
	table := newSlotTable(time.Second)
	r1, err := table.acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()
	r2, err := table.acquire(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	r2()
}

func TestSlotTimeoutIsGatewayBusy(t *testing.T) {
	table := newSlotTable(30 * time.Millisecond)
	release, err := table.acquire(context.Background(), "cred")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = table.acquire(context.Background(), "cred")
	if gwerr.KindOf(err) != gwerr.KindGatewayBusy {
		t.Errorf("kind = %v", gwerr.KindOf(err))
	}
}

func TestSlotContextCancel(t *testing.T) {
	table := newSlotTable(time.Minute)
	release, err := table.acquire(context.Background(), "cred")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = table.acquire(ctx, "cred")
	if gwerr.KindOf(err) != gwerr.KindTimeout {
		t.Errorf("kind = %v", gwerr.KindOf(err))
	}
}

func TestSlotWaitersServedInArrivalOrder(t *testing.T) {
	table := newSlotTable(5 * time.Second)
	release, err := table.acquire(context.Background(), "cred")
	if err != nil {
		t.Fatal(err)
	}

	waiting := func() int {
		table.mu.Lock()
		defer table.mu.Unlock()
		return len(table.slots["cred"].waiters)
	}

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			r, err := table.acquire(context.Background(), "cred")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			last := len(order) == 3
			mu.Unlock()
			r()
			if last {
				close(done)
			}
		}()
		// Each waiter must be queued before the next one arrives.
		for waiting() < i {
			time.Sleep(time.Millisecond)
		}
	}

	release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters never drained")
	}
	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("service order = %v", order)
	}
}

func TestSlotAbandonedWaiterSkipped(t *testing.T) {
	table := newSlotTable(time.Minute)
	release, err := table.acquire(context.Background(), "cred")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	gaveUp := make(chan struct{})
	go func() {
		defer close(gaveUp)
		if _, err := table.acquire(ctx, "cred"); gwerr.KindOf(err) != gwerr.KindTimeout {
			t.Errorf("kind = %v", gwerr.KindOf(err))
		}
	}()
	for {
		table.mu.Lock()
		n := len(table.slots["cred"].waiters)
		table.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-gaveUp

	acquired := make(chan struct{})
	go func() {
		r, err := table.acquire(context.Background(), "cred")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		r()
	}()
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("slot stuck behind abandoned waiter")
	}
}

func TestSlotReleaseIdempotent(t *testing.T) {
	table := newSlotTable(time.Second)
	release, err := table.acquire(context.Background(), "cred")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // second call must not double-free

	r2, err := table.acquire(context.Background(), "cred")
	if err != nil {
		t.Fatal(err)
	}
	r2()
}
