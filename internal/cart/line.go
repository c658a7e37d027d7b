package cart

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlaceholderPrefix marks line ids minted locally before the remote store
// assigned one.
const PlaceholderPrefix = "local-"

// LineKey identifies a line inside a cart. Keys are unique per cart.
type LineKey struct {
	ProductID string
	VariantID string
}

// String renders the key as `product` or `product:variant`.
func (k LineKey) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + ":" + k.VariantID
}

func (k LineKey) IsZero() bool {
	return k.ProductID == ""
}

// ParseLineKey is the inverse of LineKey.String.
func ParseLineKey(value string) LineKey {
	product, variant, _ := strings.Cut(value, ":")
	return LineKey{ProductID: product, VariantID: variant}
}

// Line is one product (optionally a variant) in the cart with its quantity
// and the unit price captured when it was first added.
type Line struct {
	LineID    string          `json:"lineId"`
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	AddedAt   time.Time       `json:"addedAt"`
}

func (l Line) Key() LineKey {
	return LineKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// LineTotal is unit price times quantity.
func (l Line) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// HasRemoteID reports whether the line id was assigned by the remote store.
func (l Line) HasRemoteID() bool {
	return l.LineID != "" && !IsPlaceholderID(l.LineID)
}

func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

func NewPlaceholderID() string {
	return PlaceholderPrefix + uuid.NewString()
}

// LineRef addresses a line either by id or by key. The id wins when both are set.
type LineRef struct {
	LineID string
	Key    LineKey
}

func ByID(lineID string) LineRef {
	return LineRef{LineID: lineID}
}

func ByKey(productID, variantID string) LineRef {
	return LineRef{Key: LineKey{ProductID: productID, VariantID: variantID}}
}

func (r LineRef) IsZero() bool {
	return r.LineID == "" && r.Key.IsZero()
}

// Normalize enforces the cart invariants on externally sourced lines: invalid
// lines (no product, quantity below one, negative price) are dropped and lines
// sharing a key are merged by summing quantities. The first occurrence keeps
// its position, id, price and timestamp.
func Normalize(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	index := make(map[LineKey]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 || line.UnitPrice.IsNegative() {
			continue
		}
		if i, ok := index[line.Key()]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		if line.LineID == "" {
			line.LineID = NewPlaceholderID()
		}
		index[line.Key()] = len(out)
		out = append(out, line)
	}
	return out
}

func cloneLines(lines []Line) []Line {
	if lines == nil {
		return []Line{}
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}
