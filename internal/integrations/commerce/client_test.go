package commerce

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)

	c, err := NewClient("http://example.test/api/", WithRateLimit(1, 0))
	require.NoError(t, err)
	require.Equal(t, "http://example.test/api", c.baseURL)
	require.Equal(t, 1, c.burst)
}

func TestClient_Order(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"12345","status":"in_transit","shipped":true,"carrier":"Delhivery","total":2499}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithToken("secret"))
	require.NoError(t, err)

	o, err := c.Order(context.Background(), "fashionhub", "12345")
	require.NoError(t, err)
	require.Equal(t, "/brands/fashionhub/orders/12345", gotPath)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "in_transit", o.Status)
	require.True(t, o.Shipped)
	require.Equal(t, 2499.0, o.Total)
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		notFound  bool
		transient bool
	}{
		{"not found", http.StatusNotFound, true, false},
		{"bad request", http.StatusBadRequest, false, false},
		{"throttled", http.StatusTooManyRequests, false, true},
		{"server error", http.StatusBadGateway, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			require.NoError(t, err)
			_, err = c.Product(context.Background(), "fashionhub", "TS-1")
			require.Error(t, err)
			require.Equal(t, tc.notFound, errors.Is(err, ErrNotFound))
			require.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.Zone(context.Background(), "fashionhub", "110001")
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"postal_code":"110001","serviceable":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithRateLimit(0.001, 1))
	require.NoError(t, err)

	_, err = c.Zone(context.Background(), "fashionhub", "110001")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Zone(ctx, "fashionhub", "110001")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit")

	// other brands have their own budget
	_, err = c.Zone(context.Background(), "techgear", "110001")
	require.NoError(t, err)
}

func TestClient_RequiresIDs(t *testing.T) {
	c, err := NewClient("http://example.test")
	require.NoError(t, err)
	_, err = c.Order(context.Background(), "", "1")
	require.Error(t, err)
	_, err = c.Order(context.Background(), "fashionhub", " ")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Static catalog
// ---------------------------------------------------------------------------

const catalogDoc = `
brands:
  fashionhub:
    orders:
      - id: "12345"
        status: in_transit
        shipped: true
    products:
      - id: TS-1001
        name: Linen Shirt
        price: 1299
        in_stock: true
        sizes: [S, M, L]
    zones:
      - postal_code: "110001"
        city: Delhi
        serviceable: true
        delivery_days: 2-3
  techgear:
    orders:
      - id: "777"
        status: processing
`

func TestCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogDoc))
	require.NoError(t, err)
	ctx := context.Background()

	o, err := c.Order(ctx, "fashionhub", "12345")
	require.NoError(t, err)
	require.True(t, o.Shipped)

	_, err = c.Order(ctx, "fashionhub", "777")
	require.ErrorIs(t, err, ErrNotFound, "orders of another brand are invisible")

	p, err := c.Product(ctx, "fashionhub", "ts-1001")
	require.NoError(t, err)
	require.Equal(t, []string{"S", "M", "L"}, p.Sizes)

	z, err := c.Zone(ctx, "fashionhub", "110001")
	require.NoError(t, err)
	require.Equal(t, "Delhi", z.City)

	_, err = c.Zone(ctx, "fashionhub", "999999")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ParseCatalog([]byte("brands: ["))
	require.Error(t, err)
}
