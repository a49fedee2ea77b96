package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"catalog-backend/internal/cache"
	"catalog-backend/internal/consistency"
	"catalog-backend/internal/kv"
	"catalog-backend/internal/lock"
	"catalog-backend/internal/obs"
	"catalog-backend/internal/product"
	"catalog-backend/internal/ratelimit"
)

func newTestRouter(t *testing.T, policy RateLimitPolicy) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kv.NewClient(rdb, zap.NewNop())
	require.NoError(t, err)

	cfg := cache.DefaultConfig()
	cfg.EnableLocalTier = false
	aside, err := cache.NewAside(store, lock.NewLocker(store, zap.NewNop()), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(aside.Close)

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)
	monitor, err := consistency.NewMonitor(store, consistency.DefaultConfig(), metrics, zap.NewNop())
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(store, metrics, zap.NewNop())
	service := product.NewService(product.NewMemoryRepository(), aside, monitor, 5*time.Minute, zap.NewNop())
	return NewRouter(service, limiter, policy, registry, zap.NewNop())
}

func apiRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Token", "test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const samplePayload = `{"sku":"SKU-1","name":"Trail Runner","category":"shoes","price_cents":12900,"stock":12}`

func TestProductCRUDFlow(t *testing.T) {
	router := newTestRouter(t, RateLimitPolicy{Limit: 100, Window: time.Minute})

	rec := apiRequest(router, http.MethodPost, "/products", samplePayload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created product.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = apiRequest(router, http.MethodGet, "/products/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got product.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "SKU-1", got.SKU)

	rec = apiRequest(router, http.MethodGet, "/products?category=shoes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Len(t, page.Products, 1)

	updated := `{"sku":"SKU-1","name":"Trail Runner","category":"shoes","price_cents":9900,"stock":8}`
	rec = apiRequest(router, http.MethodPut, "/products/"+created.ID, updated)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = apiRequest(router, http.MethodGet, "/products/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(9900), got.PriceCents, "read after update sees the new price")

	rec = apiRequest(router, http.MethodDelete, "/products/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = apiRequest(router, http.MethodGet, "/products/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	router := newTestRouter(t, RateLimitPolicy{Limit: 100, Window: time.Minute})

	rec := apiRequest(router, http.MethodPost, "/products", `{"name":"no sku"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(router, http.MethodPost, "/products", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(router, http.MethodPost, "/products", samplePayload)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = apiRequest(router, http.MethodPost, "/products", samplePayload)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListValidation(t *testing.T) {
	router := newTestRouter(t, RateLimitPolicy{Limit: 100, Window: time.Minute})

	rec := apiRequest(router, http.MethodGet, "/products?page=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(router, http.MethodGet, "/products?page_size=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetricsBypassRateLimit(t *testing.T) {
	router := newTestRouter(t, RateLimitPolicy{Limit: 1, Window: time.Minute})

	// Exhaust the quota.
	require.Equal(t, http.StatusOK, apiRequest(router, http.MethodGet, "/products", "").Code)
	require.Equal(t, http.StatusTooManyRequests, apiRequest(router, http.MethodGet, "/products", "").Code)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, apiRequest(router, http.MethodGet, "/healthz", "").Code)
		assert.Equal(t, http.StatusOK, apiRequest(router, http.MethodGet, "/metrics", "").Code)
	}
}
