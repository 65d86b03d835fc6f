package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/cellrun/api"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a remote execution engine.
// Unary calls are retried with exponential backoff for connection errors and 5xx responses only,
// so persistent failures (bad language, unknown session) surface immediately.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	retryMax                 int
	tlsConfig                *tls.Config
	wsHTTPClient             *http.Client
	customizeRetryableClient func(*retryablehttp.Client)
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("engine_client").Sugar()
	}
}

// WithRetryMax bounds the number of retries of a unary call.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.retryMax = n
	}
}

// WithTLSConfig connects over TLS. Addresses without a scheme default to https.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the engine at addr, which is either a host:port or a full http(s) URL.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		Logger:   zap.NewNop().Sugar(),
		retryMax: 4,
	}
	for _, opt := range opts {
		opt(c)
	}

	scheme := "http://"
	if c.tlsConfig != nil {
		scheme = "https://"
	}
	c.baseURL = strings.TrimRight(addr, "/")
	if !strings.HasPrefix(c.baseURL, "http://") && !strings.HasPrefix(c.baseURL, "https://") {
		c.baseURL = scheme + c.baseURL
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = c.retryMax
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.tlsConfig != nil {
		retryClient.HTTPClient = &http.Client{Transport: c.tlsTransport()}
		c.wsHTTPClient = &http.Client{Transport: c.tlsTransport()}
	}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) tlsTransport() *http.Transport {
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: c.tlsConfig.Clone(),
	}
}

func (c *Client) CreateSession(ctx context.Context, req *api.CreateSessionRequest) (*api.Session, error) {
	var sess api.Session
	err := c.do(ctx, http.MethodPost, "/sessions", req, &sess)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &sess, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var sess api.Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &sess)
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", id, err)
	}
	return &sess, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, nil)
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", id, err)
	}
	return nil
}

func (c *Client) ResolveVariables(ctx context.Context, req *api.ResolveVariablesRequest) (*api.ResolveVariablesResponse, error) {
	var resp api.ResolveVariablesResponse
	err := c.do(ctx, http.MethodPost, "/resolve", req, &resp)
	if err != nil {
		return nil, fmt.Errorf("resolving variables: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return decodeErrorResponse(httpResp)
	}
	if respBody == nil {
		return nil
	}
	err = json.NewDecoder(httpResp.Body).Decode(respBody)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeErrorResponse(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("non-2xx HTTP status code %d, error reading body: %w", resp.StatusCode, err)
	}
	var errResp api.ErrorResponse
	if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
		return api.DecodeError(errResp.Error)
	}
	if resp.StatusCode == http.StatusNotFound {
		return api.ErrSessionNotFound
	}
	return fmt.Errorf("non-2xx HTTP status code %d: %s", resp.StatusCode, string(b))
}
