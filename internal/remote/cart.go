package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
)

// Item is the wire form of a cart line.
type Item struct {
	ID        string          `json:"id,omitempty"`
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	AddedAt   time.Time       `json:"addedAt"`
}

type cartPayload struct {
	Items []Item `json:"items"`
}

// Cart is the authoritative remote cart returned by every endpoint.
type Cart struct {
	Lines []cart.Line
}

// AddItemRequest is the body of POST cart/add.
type AddItemRequest struct {
	ProductID string           `json:"productId"`
	Quantity  int              `json:"quantity"`
	VariantID string           `json:"variantId,omitempty"`
	UnitPrice *decimal.Decimal `json:"unitPrice,omitempty"`
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (c *Client) GetCart(ctx context.Context) (*Cart, error) {
	return c.send(ctx, http.MethodGet, "/cart", nil)
}

func (c *Client) AddItem(ctx context.Context, in AddItemRequest) (*Cart, error) {
	return c.send(ctx, http.MethodPost, "/cart/add", in)
}

func (c *Client) UpdateItem(ctx context.Context, lineID string, quantity int) (*Cart, error) {
	return c.send(ctx, http.MethodPut, "/cart/items/"+url.PathEscape(lineID), updateItemRequest{Quantity: quantity})
}

func (c *Client) RemoveItem(ctx context.Context, lineID string) (*Cart, error) {
	return c.send(ctx, http.MethodDelete, "/cart/items/"+url.PathEscape(lineID), nil)
}

func (c *Client) ClearCart(ctx context.Context) (*Cart, error) {
	return c.send(ctx, http.MethodDelete, "/cart", nil)
}

// UpsertBatch writes absolute quantities for many lines in one call.
func (c *Client) UpsertBatch(ctx context.Context, lines []cart.Line) (*Cart, error) {
	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		item := itemFromLine(line)
		if !line.HasRemoteID() {
			item.ID = ""
		}
		items = append(items, item)
	}
	return c.send(ctx, http.MethodPost, "/cart/batch", cartPayload{Items: items})
}

// send returns nil when the service answered without a body.
func (c *Client) send(ctx context.Context, method, path string, body any) (*Cart, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var payload *cartPayload
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	lines := make([]cart.Line, 0, len(payload.Items))
	for _, item := range payload.Items {
		lines = append(lines, item.toLine())
	}
	return &Cart{Lines: lines}, nil
}

func (i Item) toLine() cart.Line {
	return cart.Line{
		LineID:    i.ID,
		ProductID: i.ProductID,
		VariantID: i.VariantID,
		Quantity:  i.Quantity,
		UnitPrice: i.UnitPrice,
		AddedAt:   i.AddedAt,
	}
}

func itemFromLine(line cart.Line) Item {
	return Item{
		ID:        line.LineID,
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Quantity:  line.Quantity,
		UnitPrice: line.UnitPrice,
		AddedAt:   line.AddedAt,
	}
}
