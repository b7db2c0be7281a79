// Package event holds the ticket event configuration consumed by the
// admission core: whether the sale is open and how much stock remains.
package event

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrSaleClosed = errors.New("sale is not open")
	ErrSoldOut    = errors.New("event is sold out")
)

// Config describes the ticket event guarded by the waiting room.
type Config struct {
	Name       string    `json:"name"`
	TotalStock int64     `json:"totalStock"`
	Remaining  int64     `json:"remaining"`
	SaleOpen   bool      `json:"saleOpen"`
	SaleStart  time.Time `json:"saleStart,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Inventory serves reads of the event config and atomic stock reservations.
type Inventory struct {
	mu  sync.RWMutex
	cfg Config
}

// NewInventory creates an inventory with the given initial config.
func NewInventory(cfg Config) *Inventory {
	cfg.UpdatedAt = time.Now()
	return &Inventory{cfg: cfg}
}

// Get returns a snapshot of the current config.
func (i *Inventory) Get(ctx context.Context) Config {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg
}

// Reserve atomically takes one unit of stock for a completed purchase.
func (i *Inventory) Reserve(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.cfg.SaleOpen {
		return ErrSaleClosed
	}
	if i.cfg.Remaining <= 0 {
		return ErrSoldOut
	}
	i.cfg.Remaining--
	i.cfg.UpdatedAt = time.Now()
	return nil
}

// Update replaces the config (admin surface).
func (i *Inventory) Update(ctx context.Context, cfg Config) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	i.cfg = cfg
}
