package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"broker-core/internal/account"
	"broker-core/internal/engine"
	"broker-core/internal/errs"
	"broker-core/internal/events"
	"broker-core/internal/monitor"
	"broker-core/internal/order"
	"broker-core/pkg/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubService lets each test script the engine's behavior.
type stubService struct {
	submit func(o order.Order) (order.Order, error)
	cancel func(accountID, orderID string) (order.Order, error)
	get    func(accountID, orderID string) (order.Order, error)
}

func (s *stubService) SubmitOrder(_ context.Context, o order.Order) (order.Order, error) {
	if s.submit != nil {
		return s.submit(o)
	}
	o.ID = uuid.NewString()
	o.Status = order.StatusFilled
	return o, nil
}

func (s *stubService) CancelOrder(_ context.Context, accountID, orderID string) (order.Order, error) {
	if s.cancel != nil {
		return s.cancel(accountID, orderID)
	}
	return order.Order{ID: orderID, Status: order.StatusCancelled}, nil
}

func (s *stubService) GetOrder(_ context.Context, accountID, orderID string) (order.Order, error) {
	if s.get != nil {
		return s.get(accountID, orderID)
	}
	return order.Order{ID: orderID, Status: order.StatusWorking}, nil
}

func (s *stubService) ListOrders(context.Context, string, int) ([]order.Order, error) {
	return []order.Order{}, nil
}

func (s *stubService) ListFills(context.Context, string, int) ([]order.Fill, error) {
	return []order.Fill{}, nil
}

func (s *stubService) AccountSnapshot(_ context.Context, accountID string) (account.Snapshot, error) {
	return account.Snapshot{AccountID: accountID, CashBalance: 1000}, nil
}

func (s *stubService) ListPositions(context.Context, string) ([]db.Position, error) {
	return []db.Position{}, nil
}

func (s *stubService) MarketDepth(_ context.Context, symbol string, _ int) (engine.DepthView, error) {
	return engine.DepthView{Symbol: symbol}, nil
}

func (s *stubService) SystemStatus(context.Context) (engine.Status, error) {
	return engine.Status{NodeID: "test-node"}, nil
}

type testAPI struct {
	server *Server
	router *gin.Engine
	stub   *stubService
	userID string
	token  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	stub := &stubService{}
	srv := NewServer(stub, store, events.NewBus(), monitor.NewSystemMetrics(), "test-secret", 10000)

	a := &testAPI{server: srv, router: srv.Router(), stub: stub}
	a.userID = a.seedUser(t, store, true)
	token, err := generateToken(a.userID, "test-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	a.token = token
	return a
}

// seedUser inserts a user row, optionally with an account.
func (a *testAPI) seedUser(t *testing.T, store *db.Database, withAccount bool) string {
	t.Helper()
	ctx := context.Background()
	user := db.User{
		ID: uuid.NewString(), Email: uuid.NewString() + "@example.com",
		PasswordHash: "x", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if withAccount {
		acct := db.Account{
			ID: uuid.NewString(), UserID: user.ID,
			CashBalance: 10000, BuyingPower: 10000, Equity: 10000,
			KYCStatus: db.KYCVerified, Status: db.AccountActive,
		}
		if err := store.CreateAccount(ctx, acct); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	return user.ID
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Reasons []string `json:"reasons"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	return e
}

func TestHealthUnauthenticated(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/orders", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if e := decode(t, w); e.Success || e.Error == nil || e.Error.Code != "MISSING_TOKEN" {
		t.Errorf("envelope = %+v", e)
	}

	w = a.do(t, http.MethodGet, "/api/orders", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
}

func TestSubmitOrderCreated(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/orders", a.token, gin.H{
		"symbol": "AAPL", "side": "BUY", "type": "MARKET", "qty": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	e := decode(t, w)
	if !e.Success {
		t.Fatalf("envelope = %+v", e)
	}
	var got order.Order
	if err := json.Unmarshal(e.Data, &got); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if got.Symbol != "AAPL" || got.Status != order.StatusFilled {
		t.Errorf("order = %+v", got)
	}
}

func TestErrorKindStatusMapping(t *testing.T) {
	a := newTestAPI(t)

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errs.New(errs.KindValidation, "", "bad qty"), http.StatusBadRequest},
		{"risk", errs.Rejection(errs.KindRisk, errs.ReasonInsufficientBuyingPower), http.StatusBadRequest},
		{"compliance", errs.Rejection(errs.KindCompliance, errs.ReasonKYCUnverified), http.StatusForbidden},
		{"not found", errs.New(errs.KindNotFound, "", "no such order"), http.StatusNotFound},
		{"conflict", errs.New(errs.KindConflict, "", "already filled"), http.StatusConflict},
		{"storage", errs.New(errs.KindTransientStorage, "", "db down"), http.StatusServiceUnavailable},
		{"reference data", errs.New(errs.KindReferenceData, errs.ReasonStalePrice, "no quote"), http.StatusServiceUnavailable},
		{"internal", errs.New(errs.KindInternal, "", "boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a.stub.submit = func(order.Order) (order.Order, error) { return order.Order{}, tc.err }
			w := a.do(t, http.MethodPost, "/api/orders", a.token, gin.H{
				"symbol": "AAPL", "side": "BUY", "type": "MARKET", "qty": 10,
			})
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			if e := decode(t, w); e.Success || e.Error == nil {
				t.Errorf("envelope = %+v", e)
			}
		})
	}
}

func TestRejectionReasonsInBody(t *testing.T) {
	a := newTestAPI(t)
	a.stub.submit = func(order.Order) (order.Order, error) {
		return order.Order{}, errs.Rejection(errs.KindRisk,
			errs.ReasonInsufficientBuyingPower, errs.ReasonPDTLimit)
	}

	w := a.do(t, http.MethodPost, "/api/orders", a.token, gin.H{
		"symbol": "AAPL", "side": "BUY", "type": "MARKET", "qty": 10,
	})
	e := decode(t, w)
	if e.Error == nil || len(e.Error.Reasons) != 2 {
		t.Fatalf("reasons missing from envelope: %+v", e)
	}
}

func TestCancelOrder(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodDelete, "/api/orders/o-1", a.token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	a.stub.cancel = func(_, orderID string) (order.Order, error) {
		return order.Order{}, errs.Newf(errs.KindConflict, "", "order %s is already FILLED", orderID)
	}
	if w := a.do(t, http.MethodDelete, "/api/orders/o-1", a.token, nil); w.Code != http.StatusConflict {
		t.Errorf("terminal cancel status = %d, want 409", w.Code)
	}
}

func TestAccountMissing(t *testing.T) {
	a := newTestAPI(t)

	// A user with no brokerage account cannot trade.
	orphan := a.seedUser(t, a.server.DB, false)
	token, err := generateToken(orphan, "test-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	w := a.do(t, http.MethodGet, "/api/accounts/me", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if e := decode(t, w); e.Error == nil || e.Error.Code != "ACCOUNT_NOT_FOUND" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": "trader@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d, body %s", w.Code, w.Body.String())
	}

	// Duplicate registration is a conflict.
	w = a.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": "trader@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register = %d, want 409", w.Code)
	}

	w = a.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "trader@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d, body %s", w.Code, w.Body.String())
	}
	e := decode(t, w)
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Token == "" {
		t.Fatalf("login data = %s", e.Data)
	}

	// The issued token works against protected routes.
	if w := a.do(t, http.MethodGet, "/api/accounts/me", data.Token, nil); w.Code != http.StatusOK {
		t.Errorf("token rejected: %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "trader@example.com", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password login = %d, want 401", w.Code)
	}
}

func TestInvalidRegisterPayloads(t *testing.T) {
	a := newTestAPI(t)

	cases := []gin.H{
		{"email": "", "password": "x"},
		{"email": "not-an-email", "password": "x"},
		{"email": "a@b.com", "password": ""},
	}
	for i, body := range cases {
		if w := a.do(t, http.MethodPost, "/api/auth/register", "", body); w.Code != http.StatusBadRequest {
			t.Errorf("case %d status = %d, want 400", i, w.Code)
		}
	}
}

func TestMarketDepth(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/book/AAPL", a.token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view engine.DepthView
	e := decode(t, w)
	if err := json.Unmarshal(e.Data, &view); err != nil || view.Symbol != "AAPL" {
		t.Errorf("depth = %s", e.Data)
	}
}
