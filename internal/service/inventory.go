package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/notify"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrProductClosed     = errors.New("product is not available for sale")
	ErrInvalidQuantity   = errors.New("quantity must be > 0")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// StockError names the product that failed a reservation.
type StockError struct {
	ProductID int64
	Name      string
	Requested int32
	Available int32
	Err       error
}

func (e *StockError) Error() string {
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("product %d", e.ProductID)
	}
	if errors.Is(e.Err, ErrInsufficientStock) {
		return fmt.Sprintf("%s: %s (requested %d, available %d)", name, e.Err, e.Requested, e.Available)
	}
	return fmt.Sprintf("%s: %s", name, e.Err)
}

func (e *StockError) Unwrap() error { return e.Err }

// CartItem is one requested product and quantity.
type CartItem struct {
	ProductID int64
	Quantity  int32
}

// StockReservation is a successfully decremented product, with the price
// read under the row lock.
type StockReservation struct {
	ProductID         int64
	Name              string
	UnitPrice         decimal.Decimal
	Quantity          int32
	StockBefore       int32
	StockAfter        int32
	LowStockThreshold int32
}

// CartIssue describes why a cart item cannot currently be ordered.
type CartIssue struct {
	ProductID int64  `json:"product_id"`
	Issue     string `json:"issue"`
	Requested int32  `json:"requested"`
	Available int32  `json:"available"`
}

// InventoryLedger is the only code path that changes product stock.
type InventoryLedger struct{}

// Reserve locks every product in ascending id order and decrements stock.
// Any failing item aborts the whole reservation; the caller's transaction
// must roll back on error.
func (InventoryLedger) Reserve(ctx context.Context, store Store, items []CartItem) ([]StockReservation, error) {
	merged, err := mergeCartItems(items)
	if err != nil {
		return nil, err
	}

	out := make([]StockReservation, 0, len(merged))
	for _, item := range merged {
		p, err := store.GetProductForUpdate(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &StockError{ProductID: item.ProductID, Requested: item.Quantity, Err: ErrProductNotFound}
			}
			return nil, fmt.Errorf("lock product %d: %w", item.ProductID, err)
		}
		if p.Closed {
			return nil, &StockError{ProductID: p.ID, Name: p.Name, Requested: item.Quantity, Available: p.Stock, Err: ErrProductClosed}
		}
		if p.Stock < item.Quantity {
			return nil, &StockError{ProductID: p.ID, Name: p.Name, Requested: item.Quantity, Available: p.Stock, Err: ErrInsufficientStock}
		}

		after, err := store.DecrementProductStock(ctx, database.DecrementProductStockParams{
			ID:       p.ID,
			Quantity: item.Quantity,
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &StockError{ProductID: p.ID, Name: p.Name, Requested: item.Quantity, Available: p.Stock, Err: ErrInsufficientStock}
			}
			return nil, fmt.Errorf("decrement product %d: %w", p.ID, err)
		}

		out = append(out, StockReservation{
			ProductID:         p.ID,
			Name:              p.Name,
			UnitPrice:         numericToDecimal(p.Price),
			Quantity:          item.Quantity,
			StockBefore:       p.Stock,
			StockAfter:        after,
			LowStockThreshold: p.LowStockThreshold,
		})
	}
	return out, nil
}

// Restore gives the quantities of lines back to stock. It is not
// idempotent: callers guard it with orders.cancelled_at.
func (InventoryLedger) Restore(ctx context.Context, store Store, lines []database.OrderLine) error {
	items := make([]CartItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, CartItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	merged, err := mergeCartItems(items)
	if err != nil {
		return err
	}
	for _, item := range merged {
		if _, err := store.IncrementProductStock(ctx, database.IncrementProductStockParams{
			ID:       item.ProductID,
			Quantity: item.Quantity,
		}); err != nil {
			return fmt.Errorf("restore product %d: %w", item.ProductID, err)
		}
	}
	return nil
}

// Validate reports what is wrong with a cart without locking or mutating
// anything. An empty result means the cart could be reserved right now.
func (InventoryLedger) Validate(ctx context.Context, store Store, items []CartItem) ([]CartIssue, error) {
	issues := []CartIssue{}
	var ids []int64
	requested := map[int64]int32{}
	for _, item := range items {
		if item.Quantity <= 0 {
			issues = append(issues, CartIssue{ProductID: item.ProductID, Issue: enum.CartIssueInvalidQty, Requested: item.Quantity})
			continue
		}
		if _, seen := requested[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}
	if len(ids) == 0 {
		return issues, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products, err := store.ListProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	byID := make(map[int64]database.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	for _, id := range ids {
		qty := requested[id]
		p, ok := byID[id]
		switch {
		case !ok:
			issues = append(issues, CartIssue{ProductID: id, Issue: enum.CartIssueNotFound, Requested: qty})
		case p.Closed:
			issues = append(issues, CartIssue{ProductID: id, Issue: enum.CartIssueClosed, Requested: qty, Available: p.Stock})
		case p.Stock <= 0:
			issues = append(issues, CartIssue{ProductID: id, Issue: enum.CartIssueOutOfStock, Requested: qty})
		case p.Stock < qty:
			issues = append(issues, CartIssue{ProductID: id, Issue: enum.CartIssueInsufficient, Requested: qty, Available: p.Stock})
		}
	}
	return issues, nil
}

// StockAlerts returns signals for thresholds crossed by this reservation
// only. A product that was already low before the decrement is not
// reported again.
func StockAlerts(reserved []StockReservation, now time.Time) []notify.Event {
	var events []notify.Event
	for _, r := range reserved {
		switch {
		case r.StockAfter == 0 && r.StockBefore > 0:
			events = append(events, notify.Event{
				Type:        enum.EventProductOutOfStock,
				ProductID:   r.ProductID,
				ProductName: r.Name,
				Stock:       r.StockAfter,
				At:          now,
			})
		case r.LowStockThreshold > 0 && r.StockAfter <= r.LowStockThreshold && r.StockBefore > r.LowStockThreshold:
			events = append(events, notify.Event{
				Type:        enum.EventProductLowStock,
				ProductID:   r.ProductID,
				ProductName: r.Name,
				Stock:       r.StockAfter,
				At:          now,
			})
		}
	}
	return events
}

// mergeCartItems collapses duplicate products and sorts by id so that
// concurrent reservations always lock rows in the same order.
func mergeCartItems(items []CartItem) ([]CartItem, error) {
	qty := map[int64]int32{}
	var ids []int64
	for i, item := range items {
		if item.ProductID <= 0 {
			return nil, fmt.Errorf("item[%d]: %w", i, ErrInvalidProductID)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item[%d]: %w", i, ErrInvalidQuantity)
		}
		if _, seen := qty[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		qty[item.ProductID] += item.Quantity
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]CartItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, CartItem{ProductID: id, Quantity: qty[id]})
	}
	return out, nil
}
