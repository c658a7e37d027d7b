package cart

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

// Mutation is one user intent against the cart. It is applied optimistically,
// pushed to the remote store and, when offline, replayed from the queue. The
// ActionID is generated once and travels with every retry.
type Mutation struct {
	ActionID  string           `json:"actionId"`
	Kind      enums.ActionKind `json:"kind"`
	LineID    string           `json:"lineId,omitempty"`
	ProductID string           `json:"productId,omitempty"`
	VariantID string           `json:"variantId,omitempty"`
	Quantity  int              `json:"quantity,omitempty"`
	UnitPrice decimal.Decimal  `json:"unitPrice"`
	IssuedAt  time.Time        `json:"issuedAt"`
}

func (m Mutation) Key() LineKey {
	return LineKey{ProductID: m.ProductID, VariantID: m.VariantID}
}

func (m Mutation) Ref() LineRef {
	return LineRef{LineID: m.LineID, Key: m.Key()}
}

func newMutation(kind enums.ActionKind) Mutation {
	return Mutation{
		ActionID: uuid.NewString(),
		Kind:     kind,
		IssuedAt: time.Now().UTC(),
	}
}

// AddMutation adds quantity units of a product. unitPrice is the price
// snapshot (or override) to record when the line is new.
func AddMutation(productID, variantID string, quantity int, unitPrice decimal.Decimal) Mutation {
	m := newMutation(enums.ActionKindAdd)
	m.ProductID = productID
	m.VariantID = variantID
	m.Quantity = quantity
	m.UnitPrice = unitPrice
	return m
}

// UpdateMutation sets the quantity of a line; zero or less removes it.
func UpdateMutation(ref LineRef, quantity int) Mutation {
	m := newMutation(enums.ActionKindUpdate)
	m.LineID = ref.LineID
	m.ProductID = ref.Key.ProductID
	m.VariantID = ref.Key.VariantID
	m.Quantity = quantity
	return m
}

func RemoveMutation(ref LineRef) Mutation {
	m := newMutation(enums.ActionKindRemove)
	m.LineID = ref.LineID
	m.ProductID = ref.Key.ProductID
	m.VariantID = ref.Key.VariantID
	return m
}

func ClearMutation() Mutation {
	return newMutation(enums.ActionKindClear)
}

// Validate rejects mutations that can never be applied.
func (m Mutation) Validate() error {
	if !m.Kind.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown mutation kind").
			WithDetails(map[string]any{"kind": m.Kind})
	}
	switch m.Kind {
	case enums.ActionKindAdd:
		if m.ProductID == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "product id is required").
				WithDetails(map[string]any{"productId": "is required"})
		}
		if m.Quantity < 1 {
			return invalidQuantity(m.Quantity)
		}
		if m.UnitPrice.IsNegative() {
			return pkgerrors.New(pkgerrors.CodeValidation, "unit price must not be negative").
				WithDetails(map[string]any{"unitPrice": m.UnitPrice.String()})
		}
	case enums.ActionKindUpdate, enums.ActionKindRemove:
		if m.Ref().IsZero() {
			return pkgerrors.New(pkgerrors.CodeValidation, "line id or product id is required")
		}
	}
	return nil
}

func invalidQuantity(quantity int) error {
	return pkgerrors.New(pkgerrors.CodeInvalidQuantity, "quantity must be at least 1").
		WithDetails(map[string]any{"quantity": quantity})
}
