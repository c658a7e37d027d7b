package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-cartsync/api/controllers"
	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/connectivity"
	"github.com/angelmondragon/packfinderz-cartsync/internal/engine"
	"github.com/angelmondragon/packfinderz-cartsync/internal/identity"
	"github.com/angelmondragon/packfinderz-cartsync/internal/notifications"
	"github.com/angelmondragon/packfinderz-cartsync/internal/persistence"
	"github.com/angelmondragon/packfinderz-cartsync/internal/queue"
	"github.com/angelmondragon/packfinderz-cartsync/internal/remote"
	"github.com/angelmondragon/packfinderz-cartsync/internal/remote/remotetest"
	"github.com/angelmondragon/packfinderz-cartsync/internal/storage"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/auth"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/idempotency"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/metrics"
)

var identityCfg = config.IdentityConfig{JWTSecret: "router-secret"}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type testAPI struct {
	srv     *remotetest.Server
	probe   *connectivity.Manual
	handler http.Handler
}

func newTestAPI(t *testing.T, pingers map[string]controllers.Pinger) *testAPI {
	t.Helper()
	api := &testAPI{
		srv:   remotetest.NewServer(),
		probe: connectivity.NewManual(true),
	}
	t.Cleanup(api.srv.Close)

	session := identity.NewSession("")
	client, err := remote.New(remote.Config{
		BaseURL:                 api.srv.URL,
		Timeout:                 2 * time.Second,
		BreakerFailureThreshold: 1000,
		Interceptors:            []remote.Interceptor{remote.WithBearer(session.BearerToken)},
	})
	require.NoError(t, err)
	medium := storage.NewMemory()
	adapter, err := persistence.New(medium, client, nil)
	require.NoError(t, err)
	q, err := queue.New(context.Background(), queue.Options{
		Medium:   medium,
		Recorder: idempotency.NewMemory(time.Hour),
	})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	feed := notifications.NewFeed(50)
	eng, err := engine.New(engine.Options{
		Store:       cart.NewStore(cart.DefaultPricing()),
		Persistence: adapter,
		Queue:       q,
		Probe:       api.probe,
		Session:     session,
		Parser:      identity.NewParser(identityCfg),
		Recorder:    idempotency.NewMemory(time.Hour),
		Notifier:    feed,
		Metrics:     metrics.NewCartMetrics(registry),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	cfg := &config.Config{App: config.AppConfig{Env: "test"}}
	api.handler = NewRouter(cfg, logger.Nop(), Dependencies{
		Engine:        eng,
		Notifications: feed,
		Gatherer:      registry,
		Pingers:       pingers,
	})
	return api
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type cartBody struct {
	Authenticated bool        `json:"authenticated"`
	Lines         []cart.Line `json:"lines"`
	Totals        cart.Totals `json:"totals"`
	Pending       int         `json:"pending"`
}

type mutationBody struct {
	ActionID string   `json:"actionId"`
	Outcome  string   `json:"outcome"`
	Cart     cartBody `json:"cart"`
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	a.handler.ServeHTTP(resp, req)

	var env envelope
	if strings.HasPrefix(resp.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	}
	return resp, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.MintSessionToken(identityCfg, time.Now(), userID, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHealthRoutes(t *testing.T) {
	api := newTestAPI(t, map[string]controllers.Pinger{"remote": stubPinger{}})

	resp, _ := api.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "test", resp.Header().Get("X-PackFinderz-Env"))

	resp, _ = api.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthReadyReportsFailedDependency(t *testing.T) {
	api := newTestAPI(t, map[string]controllers.Pinger{"redis": stubPinger{err: assert.AnError}})

	resp, env := api.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "DEPENDENCY_ERROR", env.Error.Code)
}

func TestGuestAddAndReadCart(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"p1","quantity":2,"unitPrice":"10.00"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	got := decode[mutationBody](t, env.Data)
	assert.Equal(t, "committed", got.Outcome)
	assert.NotEmpty(t, got.ActionID)
	require.Len(t, got.Cart.Lines, 1)
	assert.Equal(t, 2, got.Cart.Lines[0].Quantity)

	resp, env = api.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	view := decode[cartBody](t, env.Data)
	assert.False(t, view.Authenticated)
	assert.Equal(t, "20", view.Totals.Subtotal.String())
	assert.Equal(t, "1.6", view.Totals.Tax.String())
	assert.Equal(t, "5.99", view.Totals.Shipping.String())
	assert.Empty(t, api.srv.Requests(), "guest changes stay local")
}

func TestAddRejectsInvalidQuantity(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"p1","quantity":0,"unitPrice":"10.00"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_QUANTITY", env.Error.Code)
}

func TestAddRequiresProductID(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(t, http.MethodPost, "/api/v1/cart/items", `{"quantity":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestUpdateAndRemoveLine(t *testing.T) {
	api := newTestAPI(t, nil)

	_, env := api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"p1","quantity":1,"unitPrice":"4.00"}`, nil)
	lineID := decode[mutationBody](t, env.Data).Cart.Lines[0].LineID

	resp, env := api.do(t, http.MethodPatch, "/api/v1/cart/items/"+lineID, `{"quantity":5}`, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, 5, decode[mutationBody](t, env.Data).Cart.Lines[0].Quantity)

	resp, env = api.do(t, http.MethodPatch, "/api/v1/cart/items/missing", `{"quantity":5}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp, env = api.do(t, http.MethodDelete, "/api/v1/cart/items/p1?byKey=true", "", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Empty(t, decode[mutationBody](t, env.Data).Cart.Lines)
}

func TestIdempotencyKeyBecomesActionID(t *testing.T) {
	api := newTestAPI(t, nil)
	key := uuid.NewString()
	headers := map[string]string{"Idempotency-Key": key}

	resp, env := api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"p1","quantity":1,"unitPrice":"4.00"}`, headers)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, key, decode[mutationBody](t, env.Data).ActionID)

	resp, env = api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"p1","quantity":1,"unitPrice":"4.00"}`, headers)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp, env = api.do(t, http.MethodDelete, "/api/v1/cart", "", map[string]string{"Idempotency-Key": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestSignInMergesGuestCart(t *testing.T) {
	api := newTestAPI(t, nil)
	token := mintToken(t, "user-1")

	api.do(t, http.MethodPost, "/api/v1/cart/items", `{"productId":"p1","quantity":2,"unitPrice":"3.00"}`, nil)
	api.srv.Seed(token, cart.Line{ProductID: "p1", Quantity: 1}, cart.Line{ProductID: "p2", Quantity: 4})

	resp, env := api.do(t, http.MethodPost, "/api/v1/session/sign-in", `{"token":"`+token+`"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode[struct {
		MergedLines int      `json:"mergedLines"`
		Cart        cartBody `json:"cart"`
	}](t, env.Data)
	assert.Equal(t, 1, body.MergedLines)
	assert.True(t, body.Cart.Authenticated)

	quantities := map[string]int{}
	for _, line := range api.srv.Lines(token) {
		quantities[line.ProductID] = line.Quantity
	}
	assert.Equal(t, map[string]int{"p1": 3, "p2": 4}, quantities)
}

func TestSignInRejectsBadToken(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(t, http.MethodPost, "/api/v1/session/sign-in", `{"token":"garbage"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	require.NotNil(t, env.Error)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/session/sign-in", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRejectedChangeRollsBack(t *testing.T) {
	api := newTestAPI(t, nil)
	token := mintToken(t, "user-2")
	resp, _ := api.do(t, http.MethodPost, "/api/v1/session/sign-in", `{"token":"`+token+`"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	api.srv.Reject("sold-out", "out of stock")
	resp, env := api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"sold-out","quantity":1,"unitPrice":"9.00"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "out of stock", env.Error.Message)

	_, env = api.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	assert.Empty(t, decode[cartBody](t, env.Data).Lines)

	resp, env = api.do(t, http.MethodGet, "/api/v1/notifications?limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	feed := decode[notifications.ListResult](t, env.Data)
	require.NotEmpty(t, feed.Items)
	assert.Equal(t, "out of stock", feed.Items[0].Message)
}

func TestOfflineChangesQueueAndSync(t *testing.T) {
	api := newTestAPI(t, nil)
	token := mintToken(t, "user-3")
	resp, _ := api.do(t, http.MethodPost, "/api/v1/session/sign-in", `{"token":"`+token+`"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	api.srv.SetOffline(true)
	resp, env := api.do(t, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"p9","quantity":1,"unitPrice":"2.00"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	got := decode[mutationBody](t, env.Data)
	assert.Equal(t, "queued", got.Outcome)
	assert.Equal(t, 1, got.Cart.Pending)

	api.srv.SetOffline(false)
	resp, env = api.do(t, http.MethodPost, "/api/v1/cart/sync", "", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	synced := decode[struct {
		Replayed  int `json:"replayed"`
		Remaining int `json:"remaining"`
	}](t, env.Data)
	assert.Equal(t, 1, synced.Replayed)
	assert.Equal(t, 0, synced.Remaining)
	require.Len(t, api.srv.Lines(token), 1)
}

func TestSignOutResetsCart(t *testing.T) {
	api := newTestAPI(t, nil)
	token := mintToken(t, "user-4")
	api.do(t, http.MethodPost, "/api/v1/session/sign-in", `{"token":"`+token+`"}`, nil)
	api.do(t, http.MethodPost, "/api/v1/cart/items", `{"productId":"p1","quantity":1,"unitPrice":"1.00"}`, nil)

	resp, env := api.do(t, http.MethodPost, "/api/v1/session/sign-out", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	view := decode[cartBody](t, env.Data)
	assert.False(t, view.Authenticated)
	assert.Empty(t, view.Lines)
	assert.Len(t, api.srv.Lines(token), 1, "remote cart is kept")
}

func TestNotificationsRejectsBadLimit(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(t, http.MethodGet, "/api/v1/notifications?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	require.NotNil(t, env.Error)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/notifications?cursor=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	api.do(t, http.MethodPost, "/api/v1/cart/items", `{"productId":"p1","quantity":1,"unitPrice":"1.00"}`, nil)

	resp, _ := api.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "cart_mutations_total")
}
