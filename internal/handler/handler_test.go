package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/settle/internal/domain/auth"
	"github.com/xenking/settle/internal/domain/balance"
	"github.com/xenking/settle/internal/domain/checkout"
	"github.com/xenking/settle/internal/domain/payment"
	"github.com/xenking/settle/internal/domain/pricing"
	"github.com/xenking/settle/pkg/keyedmutex"
)

type stubKeys struct {
	keys map[string]*auth.Key
}

func (s *stubKeys) FindByHash(_ context.Context, hash string) (*auth.Key, error) {
	if k, ok := s.keys[hash]; ok {
		return k, nil
	}
	return nil, auth.ErrNotFound
}

type stubCatalog struct {
	snap *pricing.Snapshot
}

func (s *stubCatalog) Snapshot(context.Context, uuid.UUID) (*pricing.Snapshot, error) {
	return s.snap, nil
}

const testPepper = "test-pepper"

func newAPIKey(t *testing.T, key string) (*stubKeys, checkout.Actor) {
	t.Helper()
	actor := checkout.Actor{MemberID: uuid.New(), OrganizationID: uuid.New()}
	hash := HashKey([]byte(testPepper), key)
	return &stubKeys{keys: map[string]*auth.Key{
		hash: {KeyHash: hash, OrganizationID: actor.OrganizationID, MemberID: actor.MemberID, Name: "test"},
	}}, actor
}

func newTestServer(t *testing.T, keys auth.Repository, h *Handler) http.Handler {
	t.Helper()
	security := NewSecurityHandler(keys, []byte(testPepper))
	return security.Middleware(h.Routes())
}

func TestSecurityMiddleware(t *testing.T) {
	keys, actor := newAPIKey(t, "valid-key")

	group := pricing.Group{ID: uuid.New(), Price: 10_00, Cycle: 1}
	catalog := &stubCatalog{snap: &pricing.Snapshot{
		Groups: map[uuid.UUID]pricing.Group{group.ID: group},
	}}
	h := NewHandler(checkout.NewService(checkout.Options{}), nil, payment.NewMemoryRepository(), catalog)
	srv := newTestServer(t, keys, h)

	t.Run("missing key rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/groups/"+group.ID.String(), nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/groups/"+group.ID.String(), nil)
		req.Header.Set(APIKeyHeader, "wrong-key")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key resolves actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/groups/"+group.ID.String(), nil)
		req.Header.Set(APIKeyHeader, "valid-key")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), group.ID.String())
	})

	_ = actor
}

func TestGetGroupNotFound(t *testing.T) {
	keys, _ := newAPIKey(t, "k")
	catalog := &stubCatalog{snap: &pricing.Snapshot{Groups: map[uuid.UUID]pricing.Group{}}}
	h := NewHandler(checkout.NewService(checkout.Options{}), nil, payment.NewMemoryRepository(), catalog)
	srv := newTestServer(t, keys, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/groups/"+uuid.NewString(), nil)
	req.Header.Set(APIKeyHeader, "k")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutRejectsBadBodies(t *testing.T) {
	keys, _ := newAPIKey(t, "k")
	h := NewHandler(checkout.NewService(checkout.Options{}), nil, payment.NewMemoryRepository(), &stubCatalog{})
	srv := newTestServer(t, keys, h)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewBufferString(body))
		req.Header.Set(APIKeyHeader, "k")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	t.Run("malformed json", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{"cart": `).Code)
	})

	t.Run("empty cart", func(t *testing.T) {
		rec := post(`{"cart": {"items": []}, "paymentMethod": "cash", "totalPrice": 0}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "cart is empty")
	})

	t.Run("invalid payment method", func(t *testing.T) {
		body := `{"cart": {"items": [{"memberId": "` + uuid.NewString() + `", "groupId": "` + uuid.NewString() + `", "quantity": 1}]}, "paymentMethod": "barter", "totalPrice": 0}`
		assert.Equal(t, http.StatusBadRequest, post(body).Code)
	})

	t.Run("invalid cancellation fee format", func(t *testing.T) {
		body := `{"cart": {"items": []}, "paymentMethod": "cash", "cancellationFeePercentage": "ten"}`
		assert.Equal(t, http.StatusBadRequest, post(body).Code)
	})
}

func TestExchangePayment(t *testing.T) {
	keys, _ := newAPIKey(t, "k")

	payments := payment.NewMemoryRepository()
	ledger := balance.NewLedger(balance.NewMemoryRepository())
	registry := payment.NewRegistry()
	reconciler := payment.NewReconciler(payments, ledger, registry, keyedmutex.New())

	h := NewHandler(checkout.NewService(checkout.Options{}), reconciler, payments, &stubCatalog{})
	srv := newTestServer(t, keys, h)

	p := &payment.Payment{
		ID:        uuid.New(),
		Method:    payment.MethodTransfer,
		Status:    payment.StatusPending,
		Price:     10_00,
		CreatedAt: time.Now(),
	}
	require.NoError(t, payments.Create(context.Background(), p))

	t.Run("reconciles and reports status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/exchange", nil)
		req.Header.Set(APIKeyHeader, "k")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"pending"`)
	})

	t.Run("unknown payment is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+uuid.NewString()+"/exchange", nil)
		req.Header.Set(APIKeyHeader, "k")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/not-a-uuid/exchange", nil)
		req.Header.Set(APIKeyHeader, "k")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancel body aborts transfer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+p.ID.String()+"/exchange",
			bytes.NewBufferString(`{"cancel": true}`))
		req.Header.Set(APIKeyHeader, "k")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"failed"`)
	})
}
