package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-cartsync/api/middleware"
	"github.com/angelmondragon/packfinderz-cartsync/api/responses"
	"github.com/angelmondragon/packfinderz-cartsync/api/validators"
	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/coordinator"
	"github.com/angelmondragon/packfinderz-cartsync/internal/engine"
	"github.com/angelmondragon/packfinderz-cartsync/internal/merge"
	"github.com/angelmondragon/packfinderz-cartsync/internal/queue"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

// CartEngine is the engine surface exposed over HTTP.
type CartEngine interface {
	View() engine.View
	Dispatch(ctx context.Context, m cart.Mutation) (*coordinator.Operation, error)
	Drain(ctx context.Context) (queue.DrainResult, error)
	SignIn(ctx context.Context, token string) (merge.Result, error)
	SignOut(ctx context.Context) error
}

type mutationResponse struct {
	ActionID string                `json:"actionId"`
	Outcome  enums.MutationOutcome `json:"outcome"`
	Line     *cart.Line            `json:"line,omitempty"`
	Cart     engine.View           `json:"cart"`
}

// CartView returns the current cart with totals and sync state.
func CartView(eng CartEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, eng.View())
	}
}

type addItemRequest struct {
	ProductID     string           `json:"productId" validate:"required,max=128"`
	VariantID     string           `json:"variantId" validate:"max=128"`
	Quantity      int              `json:"quantity"`
	UnitPrice     decimal.Decimal  `json:"unitPrice"`
	PriceOverride *decimal.Decimal `json:"priceOverride"`
}

// CartAddItem adds a product, incrementing the line when it already exists.
func CartAddItem(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload addItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		price := payload.UnitPrice
		if payload.PriceOverride != nil {
			price = *payload.PriceOverride
		}
		m := cart.AddMutation(
			validators.SanitizeString(payload.ProductID, 128),
			validators.SanitizeString(payload.VariantID, 128),
			payload.Quantity,
			price,
		)
		dispatch(w, r, eng, logg, m)
	}
}

type updateItemRequest struct {
	Quantity *int `json:"quantity" validate:"required"`
}

// CartUpdateItem sets a line quantity; zero removes the line.
func CartUpdateItem(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := lineRef(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload updateItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dispatch(w, r, eng, logg, cart.UpdateMutation(ref, *payload.Quantity))
	}
}

func CartRemoveItem(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := lineRef(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dispatch(w, r, eng, logg, cart.RemoveMutation(ref))
	}
}

func CartClear(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispatch(w, r, eng, logg, cart.ClearMutation())
	}
}

// CartSync replays the offline queue on demand.
func CartSync(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := eng.Drain(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dropped := make([]string, 0, len(res.Dropped))
		for _, action := range res.Dropped {
			dropped = append(dropped, action.ActionID)
		}
		responses.WriteSuccess(w, map[string]any{
			"replayed":  res.Replayed,
			"dropped":   dropped,
			"remaining": res.Remaining,
			"skipped":   res.Skipped,
			"cart":      eng.View(),
		})
	}
}

// dispatch applies m and waits for its outcome. A queued change is a success;
// a rejected one answers with the remote reason.
func dispatch(w http.ResponseWriter, r *http.Request, eng CartEngine, logg *logger.Logger, m cart.Mutation) {
	actionID, err := actionIDFromHeader(r)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return
	}
	if actionID != "" {
		m.ActionID = actionID
	}

	op, err := eng.Dispatch(r.Context(), m)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return
	}
	res, err := op.Wait(r.Context())
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return
	}
	responses.WriteSuccess(w, mutationResponse{
		ActionID: res.ActionID,
		Outcome:  res.Outcome,
		Line:     res.Line,
		Cart:     eng.View(),
	})
}

func actionIDFromHeader(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get(middleware.IdempotencyKeyHeader))
	if raw == "" {
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "Idempotency-Key must be a uuid")
	}
	return id.String(), nil
}

// lineRef accepts a line id, or a product key as `product` / `product:variant`
// when the `byKey` query flag is set.
func lineRef(r *http.Request) (cart.LineRef, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "lineId"))
	if raw == "" {
		return cart.LineRef{}, pkgerrors.New(pkgerrors.CodeValidation, "line id is required")
	}
	if r.URL.Query().Get("byKey") == "true" {
		key := cart.ParseLineKey(raw)
		return cart.ByKey(key.ProductID, key.VariantID), nil
	}
	return cart.ByID(raw), nil
}
