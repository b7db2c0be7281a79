package event

import (
	"context"
	"sync"
	"testing"
)

func TestReserve(t *testing.T) {
	ctx := context.Background()
	inv := NewInventory(Config{Name: "launch", TotalStock: 2, Remaining: 2, SaleOpen: true})

	if err := inv.Reserve(ctx); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := inv.Reserve(ctx); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if err := inv.Reserve(ctx); err != ErrSoldOut {
		t.Errorf("expected ErrSoldOut, got %v", err)
	}
}

func TestReserveClosedSale(t *testing.T) {
	inv := NewInventory(Config{Name: "launch", TotalStock: 10, Remaining: 10, SaleOpen: false})
	if err := inv.Reserve(context.Background()); err != ErrSaleClosed {
		t.Errorf("expected ErrSaleClosed, got %v", err)
	}
}

func TestReserveConcurrent(t *testing.T) {
	ctx := context.Background()
	inv := NewInventory(Config{Name: "launch", TotalStock: 100, Remaining: 100, SaleOpen: true})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inv.Reserve(ctx); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 100 {
		t.Errorf("expected exactly 100 successful reservations, got %d", succeeded)
	}
	if got := inv.Get(ctx).Remaining; got != 0 {
		t.Errorf("expected 0 remaining, got %d", got)
	}
}
