// Package client talks to a running shardline server: the admin API over HTTP and the
// shard health service over gRPC.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ShardStatus is one shard of a tenant as reported by the admin API
type ShardStatus struct {
	Shard  int    `json:"shard"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Route is where a key lands
type Route struct {
	Tenant string `json:"tenant"`
	Key    string `json:"key"`
	Bucket int    `json:"bucket"`
	Shard  int    `json:"shard"`
	Name   string `json:"name"`
}

// Client is safe for concurrent use
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	grpcAddr string
	dialOpts []grpc.DialOption
	timeout  time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// Option configures a Client
type Option func(*Client)

// WithToken sends token as a bearer token on blacklist changes
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithHTTPClient replaces http.DefaultClient
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithGRPCAddr sets the address of the gRPC health service
func WithGRPCAddr(addr string) Option { return func(c *Client) { c.grpcAddr = addr } }

// WithTimeout bounds every call that has no deadline of its own
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// New creates a client for the admin API at adminURL. A bare host:port gets http://.
func New(adminURL string, opts ...Option) *Client {
	if !strings.Contains(adminURL, "://") {
		adminURL = "http://" + adminURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(adminURL, "/"),
		http:     http.DefaultClient,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the gRPC connection, if one was opened
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Tenants lists the tenant ids served
func (c *Client) Tenants(ctx context.Context) ([]string, error) {
	var out struct {
		Tenants []string `json:"tenants"`
	}
	if err := c.do(ctx, http.MethodGet, "/tenants", &out); err != nil {
		return nil, err
	}
	return out.Tenants, nil
}

// Shards returns every shard of tenant, blacklisted ones included
func (c *Client) Shards(ctx context.Context, tenant string) ([]ShardStatus, error) {
	var out []ShardStatus
	err := c.do(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenant)+"/shards", &out)
	return out, err
}

// Route resolves key on the server
func (c *Client) Route(ctx context.Context, tenant, key string) (Route, error) {
	var out Route
	err := c.do(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenant)+"/route?key="+url.QueryEscape(key), &out)
	return out, err
}

// Blacklist removes shard from routing and returns the tenant's shards afterwards
func (c *Client) Blacklist(ctx context.Context, tenant string, shard int) ([]ShardStatus, error) {
	return c.change(ctx, tenant, shard, "blacklist")
}

// Unblacklist returns shard to routing and returns the tenant's shards afterwards
func (c *Client) Unblacklist(ctx context.Context, tenant string, shard int) ([]ShardStatus, error) {
	return c.change(ctx, tenant, shard, "unblacklist")
}

func (c *Client) change(ctx context.Context, tenant string, shard int, action string) ([]ShardStatus, error) {
	var out []ShardStatus
	path := fmt.Sprintf("/tenants/%s/shards/%d/%s", url.PathEscape(tenant), shard, action)
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, fmt.Errorf("%s %s/%d: %w", action, tenant, shard, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" && method != http.MethodGet {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e map[string]string
		if json.Unmarshal(body, &e) == nil {
			apiErr.Message = e["error"]
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	return json.Unmarshal(body, out)
}

// Health queries the gRPC health service. service is "" for the whole server, a
// tenant id, or "<tenant>/<shard>".
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := c.getConn()
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) getConn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if c.grpcAddr == "" {
		return nil, fmt.Errorf("client: no gRPC address configured")
	}
	conn, err := grpc.NewClient(c.grpcAddr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.grpcAddr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
