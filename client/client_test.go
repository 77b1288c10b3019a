package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// fakeAdmin serves canned admin API answers
func fakeAdmin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tenants", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"tenants": {"billing", "orders"}})
	})
	mux.HandleFunc("/tenants/orders/route", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Route{Tenant: "orders", Key: r.URL.Query().Get("key"), Bucket: 7, Shard: 1, Name: "connectionpool_orders_1"})
	})
	mux.HandleFunc("/tenants/orders/shards/1/blacklist", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]ShardStatus{{Shard: 0, Name: "connectionpool_orders_0", Active: true}, {Shard: 1, Name: "connectionpool_orders_1"}})
	})
	mux.HandleFunc("/tenants/ghost/shards", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown tenant ghost"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_AdminAPI(t *testing.T) {
	srv := fakeAdmin(t)
	ctx := context.Background()
	c := New(srv.URL, WithHTTPClient(srv.Client()), WithToken("s3cret"))
	defer func() { _ = c.Close() }()

	tenants, err := c.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "orders"}, tenants)

	r, err := c.Route(ctx, "orders", "alice smith")
	require.NoError(t, err)
	assert.Equal(t, "alice smith", r.Key)
	assert.Equal(t, 1, r.Shard)

	shards, err := c.Blacklist(ctx, "orders", 1)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.False(t, shards[1].Active)
}

func TestClient_Errors(t *testing.T) {
	srv := fakeAdmin(t)
	ctx := context.Background()

	_, err := New(srv.URL, WithHTTPClient(srv.Client())).Shards(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, IsUnknownTenant(err))
	assert.Contains(t, err.Error(), "unknown tenant ghost")

	_, err = New(srv.URL, WithHTTPClient(srv.Client()), WithToken("wrong")).Blacklist(ctx, "orders", 1)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "Invalid token")
	assert.False(t, IsInvalidShard(err))
	assert.False(t, IsUnroutable(err))
}

func TestNew_BareAddress(t *testing.T) {
	c := New("127.0.0.1:9090/")
	assert.Equal(t, "http://127.0.0.1:9090", c.baseURL)
}

func TestClient_Health(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("orders", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("orders/2", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	c := New("127.0.0.1:1", WithGRPCAddr(lis.Addr().String()))
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	st, err := c.Health(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = c.Health(ctx, "orders/2")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err = c.Health(ctx, "ghost")
	assert.Error(t, err)

	_, err = New("127.0.0.1:1").Health(ctx, "")
	assert.Error(t, err)
}
