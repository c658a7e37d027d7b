package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

func requestWithLineID(target, lineID string) *http.Request {
	req := httptest.NewRequest(http.MethodDelete, target, nil)
	rc := chi.NewRouteContext()
	rc.URLParams.Add("lineId", lineID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestLineRefByID(t *testing.T) {
	ref, err := lineRef(requestWithLineID("/api/v1/cart/items/srv-1", "srv-1"))
	require.NoError(t, err)
	assert.Equal(t, cart.ByID("srv-1"), ref)
}

func TestLineRefByKey(t *testing.T) {
	ref, err := lineRef(requestWithLineID("/api/v1/cart/items/p1:red?byKey=true", "p1:red"))
	require.NoError(t, err)
	assert.Equal(t, cart.ByKey("p1", "red"), ref)
}

func TestLineRefRequiresID(t *testing.T) {
	_, err := lineRef(requestWithLineID("/api/v1/cart/items/", " "))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestActionIDFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", nil)
	id, err := actionIDFromHeader(req)
	require.NoError(t, err)
	assert.Empty(t, id)

	req.Header.Set("Idempotency-Key", "6F9619FF-8B86-D011-B42D-00C04FC964FF")
	id, err = actionIDFromHeader(req)
	require.NoError(t, err)
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", id)

	req.Header.Set("Idempotency-Key", "nope")
	_, err = actionIDFromHeader(req)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
