package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/elin-system/internal/auth"
	"github.com/mmeshcher/elin-system/internal/middleware"
	"github.com/mmeshcher/elin-system/internal/model"
	"github.com/mmeshcher/elin-system/internal/repository"
	"github.com/mmeshcher/elin-system/internal/service"
)

type stubService struct {
	registerUser model.User
	registerErr  error

	loginResult service.LoginResult
	loginErr    error

	askPayload []byte
	askErr     error
	askKey     string

	followupPayload []byte
	followupErr     error

	balance model.Balance

	entries []model.LedgerEntry
	total   int64

	order       model.Order
	orderNew    bool
	orderErr    error
	paidOrder   model.Order
	paidBalance int64
	paidErr     error

	page    service.HistoryPage
	pageErr error
	detail  service.HistoryDetail
}

func (s *stubService) RegisterUser(_ context.Context, email, _ string) (model.User, string, error) {
	if s.registerErr != nil {
		return model.User{}, "", s.registerErr
	}
	user := s.registerUser
	user.Email = email
	return user, "verification-token", nil
}

func (s *stubService) VerifyEmail(_ context.Context, _ string) error { return nil }

func (s *stubService) Login(_ context.Context, _, _ string) (service.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubService) Logout(_ context.Context, _ uuid.UUID, _ string) error { return nil }

func (s *stubService) ForgotPassword(_ context.Context, _ string) (string, error) {
	return "reset-token", nil
}

func (s *stubService) ResetPassword(_ context.Context, _, _ string) error { return nil }

func (s *stubService) Ask(_ context.Context, _ uuid.UUID, _, _, _, idempotencyKey string) ([]byte, error) {
	s.askKey = idempotencyKey
	return s.askPayload, s.askErr
}

func (s *stubService) AskFollowup(_ context.Context, _, _ uuid.UUID) ([]byte, error) {
	return s.followupPayload, s.followupErr
}

func (s *stubService) GetBalance(_ context.Context, _ uuid.UUID) (model.Balance, error) {
	return s.balance, nil
}

func (s *stubService) GetTransactions(_ context.Context, _ uuid.UUID, _, _ int) ([]model.LedgerEntry, int64, error) {
	return s.entries, s.total, nil
}

func (s *stubService) CreateOrder(_ context.Context, _ uuid.UUID, _ int, _ string) (model.Order, bool, error) {
	return s.order, s.orderNew, s.orderErr
}

func (s *stubService) SimulateOrderPaid(_ context.Context, _, _ uuid.UUID) (model.Order, int64, error) {
	return s.paidOrder, s.paidBalance, s.paidErr
}

func (s *stubService) GetHistory(_ context.Context, _ uuid.UUID, _, _ int) (service.HistoryPage, error) {
	return s.page, s.pageErr
}

func (s *stubService) GetHistoryDetail(_ context.Context, _, _ uuid.UUID) (service.HistoryDetail, error) {
	return s.detail, nil
}

func (s *stubService) IsSessionActive(_ context.Context, _ uuid.UUID, _ string) (bool, error) {
	return true, nil
}

type testEnv struct {
	router http.Handler
	tokens *auth.TokenManager
}

func newTestEnv(t *testing.T, svc *stubService) *testEnv {
	t.Helper()

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	authMW := middleware.NewAuthMiddleware(tokens, svc)
	metrics := middleware.NewHTTPMetrics(prometheus.NewRegistry())

	h := NewHandler(svc, zap.NewNop(), authMW, metrics, "dev", []string{"http://localhost:3000"})
	return &testEnv{router: h.SetupRouter(), tokens: tokens}
}

func (e *testEnv) request(t *testing.T, method, path string, body []byte, verified bool, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	token, _, err := e.tokens.CreateToken(uuid.New(), "user@example.com", verified)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAsk(t *testing.T) {
	payload := []byte(`{"answer":"тест","request_id":"req-1","followup_options":[]}`)
	askBody := []byte(`{"question":"為什麼","lang":"zh","mode":"analysis"}`)

	t.Run("success returns payload verbatim", func(t *testing.T) {
		svc := &stubService{askPayload: payload}
		env := newTestEnv(t, svc)

		w := env.request(t, http.MethodPost, "/api/v1/ask", askBody, true, map[string]string{
			"Idempotency-Key": "client-key",
		})

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
		}
		if !bytes.Equal(w.Body.Bytes(), payload) {
			t.Fatalf("body = %q, want stored payload %q", w.Body.Bytes(), payload)
		}
		if svc.askKey != "client-key" {
			t.Fatalf("idempotency key = %q, want client-key", svc.askKey)
		}
	})

	t.Run("generated key when header absent", func(t *testing.T) {
		svc := &stubService{askPayload: payload}
		env := newTestEnv(t, svc)

		w := env.request(t, http.MethodPost, "/api/v1/ask", askBody, true, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if _, err := uuid.Parse(svc.askKey); err != nil {
			t.Fatalf("generated key %q is not a uuid", svc.askKey)
		}
	})

	t.Run("insufficient credit", func(t *testing.T) {
		svc := &stubService{askErr: repository.ErrInsufficientBalance}
		env := newTestEnv(t, svc)

		w := env.request(t, http.MethodPost, "/api/v1/ask", askBody, true, nil)

		if w.Code != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402", w.Code)
		}
		if code := decodeErrorCode(t, w); code != "INSUFFICIENT_CREDIT" {
			t.Fatalf("code = %q, want INSUFFICIENT_CREDIT", code)
		}
	})

	t.Run("duplicate in progress", func(t *testing.T) {
		svc := &stubService{askErr: repository.ErrIdempotencyInFlight}
		env := newTestEnv(t, svc)

		w := env.request(t, http.MethodPost, "/api/v1/ask", askBody, true, nil)

		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
		if code := decodeErrorCode(t, w); code != "IDEMPOTENCY_CONFLICT" {
			t.Fatalf("code = %q, want IDEMPOTENCY_CONFLICT", code)
		}
	})

	t.Run("key too long", func(t *testing.T) {
		env := newTestEnv(t, &stubService{})

		w := env.request(t, http.MethodPost, "/api/v1/ask", askBody, true, map[string]string{
			"Idempotency-Key": string(bytes.Repeat([]byte("k"), 129)),
		})

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		if code := decodeErrorCode(t, w); code != "INVALID_IDEMPOTENCY_KEY" {
			t.Fatalf("code = %q, want INVALID_IDEMPOTENCY_KEY", code)
		}
	})

	t.Run("unverified email", func(t *testing.T) {
		env := newTestEnv(t, &stubService{})

		w := env.request(t, http.MethodPost, "/api/v1/ask", askBody, false, nil)

		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", w.Code)
		}
		if code := decodeErrorCode(t, w); code != "EMAIL_NOT_VERIFIED" {
			t.Fatalf("code = %q, want EMAIL_NOT_VERIFIED", code)
		}
	})

	t.Run("no token", func(t *testing.T) {
		env := newTestEnv(t, &stubService{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", bytes.NewReader(askBody))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("question too long", func(t *testing.T) {
		env := newTestEnv(t, &stubService{})

		long := bytes.Repeat([]byte("q"), 1001)
		body, _ := json.Marshal(map[string]string{"question": string(long)})
		w := env.request(t, http.MethodPost, "/api/v1/ask", body, true, nil)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})
}

func TestAskFollowup(t *testing.T) {
	followupID := uuid.New()

	tests := []struct {
		name       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{"already used", repository.ErrFollowupAlreadyUsed, http.StatusConflict, "FOLLOWUP_ALREADY_USED"},
		{"not found", repository.ErrFollowupNotFound, http.StatusNotFound, "FOLLOWUP_NOT_FOUND"},
		{"owner mismatch", service.ErrFollowupOwnerMismatch, http.StatusForbidden, "FOLLOWUP_OWNER_MISMATCH"},
		{"generation failed", service.ErrAnswerGeneration, http.StatusInternalServerError, "ASK_PROCESSING_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{followupErr: tt.svcErr}
			env := newTestEnv(t, svc)

			w := env.request(t, http.MethodPost, "/api/v1/followups/"+followupID.String()+"/ask", nil, true, nil)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Fatalf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestCreateOrder(t *testing.T) {
	order := model.Order{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		PackageSize:    3,
		AmountTWD:      358,
		Status:         model.OrderStatusPending,
		IdempotencyKey: "order-key",
	}
	body := []byte(`{"package_size":3,"idempotency_key":"order-key"}`)

	t.Run("created", func(t *testing.T) {
		env := newTestEnv(t, &stubService{order: order, orderNew: true})

		w := env.request(t, http.MethodPost, "/api/v1/orders", body, true, nil)

		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201", w.Code)
		}
	})

	t.Run("idempotent repeat", func(t *testing.T) {
		env := newTestEnv(t, &stubService{order: order, orderNew: false})

		w := env.request(t, http.MethodPost, "/api/v1/orders", body, true, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}

		var resp orderResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.AmountTWD != 358 || resp.Status != "pending" {
			t.Fatalf("unexpected order response: %+v", resp)
		}
	})

	t.Run("invalid package size", func(t *testing.T) {
		env := newTestEnv(t, &stubService{})

		w := env.request(t, http.MethodPost, "/api/v1/orders", []byte(`{"package_size":2,"idempotency_key":"k"}`), true, nil)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})
}

func TestSimulateOrderPaid(t *testing.T) {
	orderID := uuid.New()

	tests := []struct {
		name       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{"forbidden in production", service.ErrSimulatePaidForbidden, http.StatusForbidden, "FORBIDDEN_IN_PRODUCTION"},
		{"order not found", repository.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"not payable", repository.ErrOrderNotPayable, http.StatusConflict, "ORDER_STATUS_INVALID_FOR_PAYMENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &stubService{paidErr: tt.svcErr})

			w := env.request(t, http.MethodPost, "/api/v1/orders/"+orderID.String()+"/simulate-paid", nil, true, nil)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Fatalf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}

	t.Run("success returns order and balance", func(t *testing.T) {
		paid := model.Order{
			ID:          orderID,
			UserID:      uuid.New(),
			PackageSize: 5,
			AmountTWD:   518,
			Status:      model.OrderStatusPaid,
		}
		env := newTestEnv(t, &stubService{paidOrder: paid, paidBalance: 5})

		w := env.request(t, http.MethodPost, "/api/v1/orders/"+orderID.String()+"/simulate-paid", nil, true, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}

		var resp simulatePaidResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.WalletBalance != 5 || resp.Order.Status != "paid" {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})
}

func TestGetTransactions_LimitValidation(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	w := env.request(t, http.MethodGet, "/api/v1/credits/transactions?limit=1000", nil, true, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRegister(t *testing.T) {
	t.Run("created with dev verification token", func(t *testing.T) {
		env := newTestEnv(t, &stubService{registerUser: model.User{ID: uuid.New()}})

		body := []byte(`{"email":"User@Example.com","password":"password123"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
		}

		var resp registerResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Email != "user@example.com" {
			t.Fatalf("email not normalized: %q", resp.Email)
		}
		if resp.VerificationToken == nil || *resp.VerificationToken == "" {
			t.Fatal("dev env must echo the verification token")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		env := newTestEnv(t, &stubService{registerErr: repository.ErrEmailExists})

		body := []byte(`{"email":"user@example.com","password":"password123"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
		if code := decodeErrorCode(t, w); code != "EMAIL_ALREADY_EXISTS" {
			t.Fatalf("code = %q, want EMAIL_ALREADY_EXISTS", code)
		}
	})

	t.Run("weak password", func(t *testing.T) {
		env := newTestEnv(t, &stubService{})

		body := []byte(`{"email":"user@example.com","password":"short"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})
}

func TestLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t, &stubService{loginErr: service.ErrInvalidCredentials})

	body := []byte(`{"email":"user@example.com","password":"wrong-password"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %q, want INVALID_CREDENTIALS", code)
	}
}
