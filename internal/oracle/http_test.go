package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newFloorServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/punks/floor", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"collection":"punks","floorPrice":"18446744073709551615","updatedAt":1700000000}`))
	})
	mux.HandleFunc("/collections/broken/floor", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"collection":"broken","floorPrice":"-4"}`))
	})
	mux.HandleFunc("/collections/punks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPOracleObservedValue(t *testing.T) {
	srv := newFloorServer(t, nil)
	o, err := NewHTTPOracle(HTTPConfig{Endpoint: srv.URL + "/", APIKey: "secret", RequestsPerSecond: 100, Burst: 5})
	require.NoError(t, err)

	v, err := o.ObservedValue(context.Background(), " punks ")
	require.NoError(t, err)
	require.Equal(t, uint64(18446744073709551615), v)
}

func TestHTTPOracleFailuresAreUnavailable(t *testing.T) {
	srv := newFloorServer(t, nil)
	ctx := context.Background()

	noKey, err := NewHTTPOracle(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = noKey.ObservedValue(ctx, "punks")
	require.ErrorIs(t, err, ErrUnavailable)

	o, err := NewHTTPOracle(HTTPConfig{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)
	_, err = o.ObservedValue(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = o.ObservedValue(ctx, "broken")
	require.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = o.ObservedValue(ctx, "punks")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Error(t, o.Ping(ctx))
}

func TestHTTPOracleVerifier(t *testing.T) {
	srv := newFloorServer(t, nil)
	o, err := NewHTTPOracle(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := o.AuthorityValid(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.VerifyAssetExists(ctx, "punks")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.VerifyAssetExists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, o.Ping(ctx))
}

func TestNewHTTPOracleRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPOracle(HTTPConfig{Endpoint: "  "})
	require.Error(t, err)
}
