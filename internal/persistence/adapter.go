package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/remote"
	"github.com/angelmondragon/packfinderz-cartsync/internal/storage"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

const (
	// SnapshotKey holds the durable copy of the cart lines.
	SnapshotKey = "cart:snapshot"

	snapshotVersion = 1
	fetchKey        = "remote-cart"
)

// RemoteCart is the remote cart service surface used by the adapter.
type RemoteCart interface {
	GetCart(ctx context.Context) (*remote.Cart, error)
	AddItem(ctx context.Context, in remote.AddItemRequest) (*remote.Cart, error)
	UpdateItem(ctx context.Context, lineID string, quantity int) (*remote.Cart, error)
	RemoveItem(ctx context.Context, lineID string) (*remote.Cart, error)
	ClearCart(ctx context.Context) (*remote.Cart, error)
	UpsertBatch(ctx context.Context, lines []cart.Line) (*remote.Cart, error)
}

// SnapshotDocument is the serialized form kept in the durable medium.
type SnapshotDocument struct {
	Version int         `json:"version"`
	SavedAt time.Time   `json:"savedAt"`
	Lines   []cart.Line `json:"lines"`
}

// Ack confirms the remote store applied a mutation. Cart is the authoritative
// cart returned with the acknowledgement, nil when the service sent none.
type Ack struct {
	LineID string
	Cart   *remote.Cart
}

// Adapter is the only component that performs I/O for the cart: the durable
// local copy and the remote cart service.
type Adapter struct {
	medium storage.Medium
	remote RemoteCart
	logg   *logger.Logger
	now    func() time.Time

	fetches singleflight.Group

	mu    sync.Mutex
	index map[cart.LineKey]string
}

func New(medium storage.Medium, remoteCart RemoteCart, logg *logger.Logger) (*Adapter, error) {
	if medium == nil {
		return nil, errors.New("storage medium required")
	}
	if remoteCart == nil {
		return nil, errors.New("remote cart client required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Adapter{
		medium: medium,
		remote: remoteCart,
		logg:   logg,
		now:    func() time.Time { return time.Now().UTC() },
		index:  make(map[cart.LineKey]string),
	}, nil
}

// LoadLocal returns the durable cart lines. A missing or unreadable document
// yields ok=false; the caller starts from an empty cart.
func (a *Adapter) LoadLocal(ctx context.Context) ([]cart.Line, bool) {
	raw, err := a.medium.Get(ctx, SnapshotKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "cart.local.load_failed")
		}
		return nil, false
	}

	var doc SnapshotDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "cart.local.corrupt")
		return nil, false
	}
	if doc.Version != snapshotVersion {
		a.logg.Warn(a.logg.WithField(ctx, "version", doc.Version), "cart.local.unsupported_version")
		return nil, false
	}
	return cart.Normalize(doc.Lines), true
}

// SaveLocal writes the durable copy. Failures are logged, never returned.
func (a *Adapter) SaveLocal(ctx context.Context, lines []cart.Line) {
	if lines == nil {
		lines = []cart.Line{}
	}
	raw, err := json.Marshal(SnapshotDocument{Version: snapshotVersion, SavedAt: a.now(), Lines: lines})
	if err != nil {
		a.logg.Error(ctx, "cart.local.encode_failed", err)
		return
	}
	if err := a.medium.Set(ctx, SnapshotKey, string(raw)); err != nil {
		a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "cart.local.save_failed")
	}
}

func (a *Adapter) DiscardLocal(ctx context.Context) {
	if err := a.medium.Remove(ctx, SnapshotKey); err != nil {
		a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "cart.local.discard_failed")
	}
}

// FetchRemote pulls the authoritative cart. Concurrent callers share a
// single in-flight request.
func (a *Adapter) FetchRemote(ctx context.Context) ([]cart.Line, error) {
	v, err, _ := a.fetches.Do(fetchKey, func() (any, error) {
		got, err := a.remote.GetCart(ctx)
		if err != nil {
			return nil, err
		}
		var lines []cart.Line
		if got != nil {
			lines = got.Lines
		}
		lines = cart.Normalize(lines)
		a.reindex(lines)
		return lines, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]cart.Line)
	out := make([]cart.Line, len(shared))
	copy(out, shared)
	return out, nil
}

// PushMutation applies one mutation to the remote cart. Placeholder line ids
// are resolved through the remote line index. Removing a line the remote
// store does not know is acknowledged; updating one becomes an add.
func (a *Adapter) PushMutation(ctx context.Context, m cart.Mutation) (Ack, error) {
	switch m.Kind {
	case enums.ActionKindAdd:
		req := remote.AddItemRequest{
			ProductID: m.ProductID,
			VariantID: m.VariantID,
			Quantity:  m.Quantity,
		}
		if !m.UnitPrice.IsZero() {
			price := m.UnitPrice
			req.UnitPrice = &price
		}
		got, err := a.remote.AddItem(ctx, req)
		return a.ack(m.Key(), got, err)

	case enums.ActionKindUpdate:
		lineID, err := a.resolve(ctx, m)
		if err != nil {
			return Ack{}, err
		}
		switch {
		case lineID == "":
			return a.addMissing(ctx, m)
		case m.Quantity <= 0:
			return a.removeRemote(ctx, lineID, m.Key())
		}
		got, err := a.remote.UpdateItem(ctx, lineID, m.Quantity)
		if err != nil && isGone(err) {
			a.forget(m.Key())
			return a.addMissing(ctx, m)
		}
		return a.ack(m.Key(), got, err)

	case enums.ActionKindRemove:
		lineID, err := a.resolve(ctx, m)
		if err != nil {
			return Ack{}, err
		}
		if lineID == "" {
			return Ack{}, nil
		}
		return a.removeRemote(ctx, lineID, m.Key())

	case enums.ActionKindClear:
		got, err := a.remote.ClearCart(ctx)
		return a.ack(cart.LineKey{}, got, err)
	}
	return Ack{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown mutation kind").
		WithDetails(map[string]any{"kind": m.Kind})
}

// UpsertBatch writes the merged cart and returns the canonical remote lines.
func (a *Adapter) UpsertBatch(ctx context.Context, lines []cart.Line) ([]cart.Line, error) {
	got, err := a.remote.UpsertBatch(ctx, lines)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return a.FetchRemote(ctx)
	}
	canonical := cart.Normalize(got.Lines)
	a.reindex(canonical)
	return canonical, nil
}

// RemoteLineID returns the remote id known for key.
func (a *Adapter) RemoteLineID(key cart.LineKey) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.index[key]
	return id, ok
}

func (a *Adapter) removeRemote(ctx context.Context, lineID string, key cart.LineKey) (Ack, error) {
	got, err := a.remote.RemoveItem(ctx, lineID)
	if err != nil && isGone(err) {
		a.forget(key)
		return Ack{}, nil
	}
	return a.ack(key, got, err)
}

// addMissing turns an update of a line the remote store does not hold into an add.
func (a *Adapter) addMissing(ctx context.Context, m cart.Mutation) (Ack, error) {
	if m.Quantity <= 0 {
		return Ack{}, nil
	}
	got, err := a.remote.AddItem(ctx, remote.AddItemRequest{
		ProductID: m.ProductID,
		VariantID: m.VariantID,
		Quantity:  m.Quantity,
	})
	return a.ack(m.Key(), got, err)
}

func (a *Adapter) ack(key cart.LineKey, got *remote.Cart, err error) (Ack, error) {
	if err != nil {
		return Ack{}, err
	}
	if got == nil {
		return Ack{}, nil
	}
	got.Lines = cart.Normalize(got.Lines)
	a.reindex(got.Lines)
	lineID, _ := a.RemoteLineID(key)
	return Ack{LineID: lineID, Cart: got}, nil
}

func (a *Adapter) resolve(ctx context.Context, m cart.Mutation) (string, error) {
	if m.LineID != "" && !cart.IsPlaceholderID(m.LineID) {
		return m.LineID, nil
	}
	if id, ok := a.RemoteLineID(m.Key()); ok {
		return id, nil
	}
	if m.Key().IsZero() {
		return "", nil
	}
	if _, err := a.FetchRemote(ctx); err != nil {
		return "", err
	}
	id, _ := a.RemoteLineID(m.Key())
	return id, nil
}

func (a *Adapter) reindex(lines []cart.Line) {
	index := make(map[cart.LineKey]string, len(lines))
	for _, line := range lines {
		if line.HasRemoteID() {
			index[line.Key()] = line.LineID
		}
	}
	a.mu.Lock()
	a.index = index
	a.mu.Unlock()
}

func (a *Adapter) forget(key cart.LineKey) {
	a.mu.Lock()
	delete(a.index, key)
	a.mu.Unlock()
}

func isGone(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeRejected {
		return false
	}
	details, ok := typed.Details().(map[string]any)
	if !ok {
		return false
	}
	status, _ := details["status"].(int)
	return status == http.StatusNotFound || status == http.StatusGone
}
