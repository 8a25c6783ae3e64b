package inventory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/coordinator"
	"stokraf-backend/internal/feed"
	"stokraf-backend/internal/logging"
	"stokraf-backend/internal/metrics"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/reconcile"
	"stokraf-backend/internal/stock"
	"stokraf-backend/internal/store/memory"
)

const (
	secret = "test-secret-that-is-long-enough-for-hs256"
	day    = "2026-03-10"
)

var (
	admin = models.User{ID: "admin", Name: "Ada", Role: models.RoleAdmin, Active: true}
	staff = models.User{ID: "staff", Name: "Sam", Role: models.RoleStaff, Active: true}
)

type testServer struct {
	app   *fiber.App
	store *memory.Store
	hub   *coordinator.Hub
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	log := logging.Discard()
	m := metrics.New()
	broker := feed.NewBroker(log)
	t.Cleanup(broker.Close)

	st := memory.New().WithFeed(broker)
	st.PutUser(admin)
	st.PutUser(staff)
	st.PutProduct(models.Product{ID: "milk", Name: "Milk", WarehouseStock: 40, ShelfStock: 10})
	st.PutProduct(models.Product{ID: "bread", Name: "Bread", WarehouseStock: 0, ShelfStock: 6})

	verifier := auth.NewVerifier(st, time.Second)
	svc := stock.NewService(st, verifier, nil, m, log, stock.Config{Timeout: 50 * time.Millisecond, LowStockThreshold: 5})
	engine := reconcile.NewEngine(st, st, verifier, svc, nil, m, log, reconcile.Config{})
	hub := coordinator.NewHub(broker, engine, clock.Real{}, log, m, coordinator.Config{})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(log)})
	Mount(app, Deps{Stock: svc, Engine: engine, Hub: hub, Verifier: verifier, Audits: st, JWTSecret: secret, Log: log})
	return &testServer{app: app, store: st, hub: hub}
}

func token(t *testing.T, u models.User) string {
	t.Helper()
	tok, err := auth.GenerateToken(secret, u, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path string, user *models.User, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *user))
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestTransfer(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodPost, "/api/products/milk/transfer", &admin, QuantityRequest{Quantity: 5})
	require.Equal(t, fiber.StatusOK, code, string(body))
	st := decode[stock.Status](t, body)
	assert.Equal(t, 35, st.WarehouseStock)
	assert.Equal(t, 15, st.ShelfStock)
	assert.False(t, st.IsLowStock)
}

func TestTransferErrors(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodPost, "/api/products/milk/transfer", &admin, QuantityRequest{Quantity: 50})
	require.Equal(t, fiber.StatusConflict, code)
	e := decode[ErrorResponse](t, body)
	assert.Equal(t, "insufficient_stock", e.Code)
	require.NotNil(t, e.Available)
	assert.Equal(t, 40, *e.Available)
	assert.Equal(t, 50, *e.Requested)

	code, body = s.do(t, http.MethodPost, "/api/products/milk/transfer", &admin, QuantityRequest{Quantity: 0})
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, body).Code)

	code, _ = s.do(t, http.MethodPost, "/api/products/milk/transfer", &staff, QuantityRequest{Quantity: 1})
	assert.Equal(t, fiber.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/products/milk/transfer", nil, QuantityRequest{Quantity: 1})
	assert.Equal(t, fiber.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/products/nope/transfer", &admin, QuantityRequest{Quantity: 1})
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestStoreTimeoutIsServiceUnavailable(t *testing.T) {
	s := newServer(t)
	s.store.SetHook(func(ctx context.Context, op string) error {
		if op == memory.OpUpdateStock {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	code, body := s.do(t, http.MethodPost, "/api/products/milk/restock", &admin, QuantityRequest{Quantity: 3})
	require.Equal(t, fiber.StatusServiceUnavailable, code)
	e := decode[ErrorResponse](t, body)
	assert.Equal(t, "indeterminate", e.Code)
	assert.Contains(t, e.Error, "re-check stock")
}

func TestAdjust(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodPost, "/api/products/bread/adjust", nil, AdjustRequest{Delta: -2, Source: "checkout"})
	require.Equal(t, fiber.StatusOK, code, string(body))
	assert.Equal(t, 4, decode[stock.Status](t, body).ShelfStock)
	assert.True(t, decode[stock.Status](t, body).IsLowStock)

	code, _ = s.do(t, http.MethodPost, "/api/products/bread/adjust", nil, AdjustRequest{Delta: 2, Source: "checkout"})
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/products/bread/adjust", nil, AdjustRequest{Delta: 2})
	assert.Equal(t, fiber.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/products/bread/adjust", &admin, AdjustRequest{Delta: 2, Source: "refund"})
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, body = s.do(t, http.MethodPost, "/api/products/bread/adjust", &admin, AdjustRequest{Delta: 3})
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, 7, decode[stock.Status](t, body).ShelfStock)
}

func TestReadEndpoints(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodGet, "/api/products", &staff, nil)
	require.Equal(t, fiber.StatusOK, code)
	list := decode[[]stock.Status](t, body)
	require.Len(t, list, 2)
	assert.Equal(t, "Bread", list[0].Name)

	code, _ = s.do(t, http.MethodGet, "/api/products/milk/stock", &staff, nil)
	assert.Equal(t, fiber.StatusForbidden, code)

	code, body = s.do(t, http.MethodGet, "/api/products/milk/stock", &admin, nil)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, 10, decode[stock.Status](t, body).ShelfStock)
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestDailyOperationsFlow(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodGet, "/api/daily-operations/"+day, &staff, nil)
	require.Equal(t, fiber.StatusOK, code, string(body))
	rows := decode[[]reconcile.Row](t, body)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Virtual)
	assert.Equal(t, "Bread", rows[0].ProductName)

	bread := rows[0].DailyOperation
	bread.Sales = 2
	bread.ActualClosingStock = 4
	code, body = s.do(t, http.MethodPut, "/api/daily-operations/"+day, &staff, SaveDayRequest{Rows: []models.DailyOperation{bread}})
	require.Equal(t, fiber.StatusOK, code, string(body))
	res := decode[reconcile.SaveResult](t, body)
	assert.Equal(t, 1, res.SavedCount)
	assert.Empty(t, res.FailedProductIDs)

	p, err := s.store.GetProduct(context.Background(), "bread")
	require.NoError(t, err)
	assert.Equal(t, 4, p.ShelfStock)

	one := 1
	code, body = s.do(t, http.MethodPatch, "/api/daily-operations/"+day+"/bread", &staff, EditFieldRequest{Field: reconcile.FieldWastage, Value: &one})
	require.Equal(t, fiber.StatusOK, code, string(body))
	edited := decode[EditFieldResponse](t, body)
	assert.Equal(t, 1, edited.Row.WastageStock)
	assert.Equal(t, 3, edited.Row.EstimatedClosingStock)
	assert.Equal(t, 1, edited.SavedCount)
}

func TestDailyOperationsErrors(t *testing.T) {
	s := newServer(t)

	code, _ := s.do(t, http.MethodGet, "/api/daily-operations/"+day, nil, nil)
	assert.Equal(t, fiber.StatusForbidden, code)

	code, _ = s.do(t, http.MethodGet, "/api/daily-operations/10-03-2026", &staff, nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPatch, "/api/daily-operations/"+day+"/bread", &staff, EditFieldRequest{Field: reconcile.FieldSales})
	assert.Equal(t, fiber.StatusBadRequest, code)

	two := 2
	code, _ = s.do(t, http.MethodPatch, "/api/daily-operations/"+day+"/nope", &staff, EditFieldRequest{Field: reconcile.FieldSales, Value: &two})
	assert.Equal(t, fiber.StatusNotFound, code)

	neg := -1
	code, _ = s.do(t, http.MethodPatch, "/api/daily-operations/"+day+"/bread", &staff, EditFieldRequest{Field: reconcile.FieldSales, Value: &neg})
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/daily-operations/"+day+"/presence", &staff, PresenceRequest{EditingResourceID: "bread@" + day})
	assert.Equal(t, fiber.StatusNoContent, code)
}

func TestAuditLogsRequireAdmin(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(t, http.MethodGet, "/api/audit-logs", &staff, nil)
	assert.Equal(t, fiber.StatusForbidden, code)
	code, _ = s.do(t, http.MethodGet, "/api/audit-logs", &admin, nil)
	assert.Equal(t, fiber.StatusOK, code)
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeEvent(w, "conflict", coordinator.Event{Kind: coordinator.EventConflict, Warning: &coordinator.Warning{ProductName: "Milk", Field: "wastage_stock", NewValue: 2}}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: conflict\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
	assert.Contains(t, out, `"product_name":"Milk"`)
}

func TestErrorHandlerHidesInternalErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Get("/boom", func(c *fiber.Ctx) error { return io.ErrUnexpectedEOF })
	app.Get("/contended", func(c *fiber.Ctx) error { return stock.ErrContended })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(raw), "EOF")

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/contended", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}
