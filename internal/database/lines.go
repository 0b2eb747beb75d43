package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderLine is one entry of orders.items. Prices are snapshotted at order
// time and never re-read from products.
//
// Stored schema (JSON array of objects):
//
//	{"product_id": 1, "name": "Nasi Bakar", "unit_price": "10000", "quantity": 2, "subtotal": "20000"}
type OrderLine struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int32           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

var ErrInvalidOrderLines = errors.New("invalid order items")

// EncodeOrderLines validates and serializes lines for the items column.
func EncodeOrderLines(lines []OrderLine) ([]byte, error) {
	if err := validateOrderLines(lines); err != nil {
		return nil, err
	}
	return json.Marshal(lines)
}

// DecodeOrderLines parses the items column and validates every line.
func DecodeOrderLines(raw []byte) ([]OrderLine, error) {
	var lines []OrderLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOrderLines, err)
	}
	if err := validateOrderLines(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func validateOrderLines(lines []OrderLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidOrderLines)
	}
	for i, l := range lines {
		if l.ProductID <= 0 {
			return fmt.Errorf("%w: line[%d]: product_id must be > 0", ErrInvalidOrderLines, i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line[%d]: quantity must be > 0", ErrInvalidOrderLines, i)
		}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line[%d]: negative unit_price", ErrInvalidOrderLines, i)
		}
		if !l.UnitPrice.Mul(decimal.NewFromInt32(l.Quantity)).Equal(l.Subtotal) {
			return fmt.Errorf("%w: line[%d]: subtotal mismatch", ErrInvalidOrderLines, i)
		}
	}
	return nil
}
