// Package transport performs all HTTP exchanges with the manager.
//
// Client offers three operations: Do (a single synchronous request that never
// returns an error — failures become a synthetic 500 response so the caller's
// contract is total), Download (same, streaming the body to a file), and
// LoopRequest (the long-running retrying request loop every pipeline is built
// on). Authentication helpers wrap Do for the two manager login endpoints.
//
// Every LoopRequest iteration opens a fresh connection: keep-alives are
// disabled so a manager failover or a half-dead connection never poisons more
// than one request.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RequestParams describes one manager request.
type RequestParams struct {
	Method    string
	Host      string
	Port      string
	Endpoint  string
	UserAgent string
	// Token is the bearer token. When set it takes precedence over UserPass.
	Token string
	// UserPass is the base64-encoded "user:password" for basic auth.
	UserPass string
	Body     string
	UseTLS   bool
}

// Response is the outcome of Do or Download. Failures before a response was
// read surface as StatusCode 500 with the error text in Body.
type Response struct {
	StatusCode int
	Body       string
}

// LoopOptions configure one LoopRequest pipeline.
type LoopOptions struct {
	// TokenFunc returns the current bearer token. It is called once per
	// iteration so token rotation is picked up on the next request.
	TokenFunc func() string
	// BodyProducer builds the request body. It may block (e.g. waiting for
	// queued messages) and must honor ctx cancellation. Nil means empty body.
	BodyProducer func(ctx context.Context) (string, error)
	// OnSuccess is invoked with the response body on HTTP 200.
	OnSuccess func(body string)
	// OnUnauthorized is invoked on HTTP 401/403.
	OnUnauthorized func()
	// ConnectionRetry is the sleep after a failed connect and after 401/403.
	ConnectionRetry time.Duration
	// BatchInterval is the sleep between successful iterations.
	BatchInterval time.Duration
}

// Client executes manager requests.
type Client struct {
	logger *zap.Logger
	// timeout bounds a single Do exchange. Zero means no limit, which the
	// command long-poll relies on.
	timeout time.Duration
}

// NewClient returns a transport client.
func NewClient(logger *zap.Logger) *Client {
	return &Client{logger: logger.Named("transport")}
}

// NewClientWithTimeout returns a transport client whose single-shot requests
// time out after d.
func NewClientWithTimeout(logger *zap.Logger, d time.Duration) *Client {
	return &Client{logger: logger.Named("transport"), timeout: d}
}

func (c *Client) httpClient() *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// buildRequest constructs the HTTP request with the header invariants all
// manager endpoints share.
func buildRequest(ctx context.Context, p RequestParams) (*http.Request, error) {
	scheme := "http"
	if p.UseTLS {
		scheme = "https"
	}
	// Endpoint may carry a query string, so parse instead of building a
	// url.URL with a raw Path.
	u, err := url.Parse(scheme + "://" + net.JoinHostPort(p.Host, p.Port) + p.Endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	if p.UserPass != "" {
		req.Header.Set("Authorization", "Basic "+p.UserPass)
	}
	if p.Token != "" {
		// Bearer wins over basic auth when both are present.
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	if p.Body != "" {
		req.Header.Set("Content-Type", "application/json")
		req.TransferEncoding = []string{"chunked"}
	}

	return req, nil
}

// Do performs one synchronous request. It never returns an error: transport
// failures map to a synthetic 500 response carrying the error text.
func (c *Client) Do(ctx context.Context, p RequestParams) Response {
	resp, err := c.exchange(ctx, p)
	if err != nil {
		c.logger.Debug("request failed", zap.String("endpoint", p.Endpoint), zap.Error(err))
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal server error: " + err.Error(),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal server error: " + err.Error(),
		}
	}

	c.logger.Debug("response",
		zap.String("endpoint", p.Endpoint),
		zap.Int("status", resp.StatusCode),
	)
	return Response{StatusCode: resp.StatusCode, Body: string(data)}
}

// Download performs one request and streams the response body to dstPath.
func (c *Client) Download(ctx context.Context, p RequestParams, dstPath string) Response {
	resp, err := c.exchange(ctx, p)
	if err != nil {
		c.logger.Error("download failed", zap.String("endpoint", p.Endpoint), zap.Error(err))
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal server error: " + err.Error(),
		}
	}
	defer resp.Body.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal server error: " + err.Error(),
		}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal server error: " + err.Error(),
		}
	}

	c.logger.Debug("download complete",
		zap.String("endpoint", p.Endpoint),
		zap.String("dst", dstPath),
		zap.Int("status", resp.StatusCode),
	)
	return Response{StatusCode: resp.StatusCode}
}

func (c *Client) exchange(ctx context.Context, p RequestParams) (*http.Response, error) {
	req, err := buildRequest(ctx, p)
	if err != nil {
		return nil, err
	}
	return c.httpClient().Do(req)
}

// LoopRequest runs the retrying request loop until ctx is cancelled.
//
// Per iteration: produce the body, snapshot the token, open a fresh
// connection and exchange. Connect failures sleep ConnectionRetry; write/read
// failures retry immediately; 200 invokes OnSuccess; 401/403 invokes
// OnUnauthorized and sleeps ConnectionRetry; anything else sleeps
// BatchInterval.
func (c *Client) LoopRequest(ctx context.Context, p RequestParams, opts LoopOptions) {
	for ctx.Err() == nil {
		timerSleep := opts.BatchInterval

		if opts.BodyProducer != nil {
			body, err := opts.BodyProducer(ctx)
			if err != nil {
				// Only cancellation aborts the producer.
				return
			}
			p.Body = body
		} else {
			p.Body = ""
		}

		if opts.TokenFunc != nil {
			p.Token = opts.TokenFunc()
		}

		resp, err := c.exchange(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isConnectError(err) {
				c.logger.Warn("failed to reach manager, retrying",
					zap.String("endpoint", p.Endpoint),
					zap.Duration("retry_in", opts.ConnectionRetry),
				)
				c.logger.Debug("connect error", zap.Error(err))
				if !sleep(ctx, opts.ConnectionRetry) {
					return
				}
				continue
			}
			// Write or read failed mid-exchange: retry immediately on a
			// fresh connection.
			c.logger.Error("request exchange failed",
				zap.String("endpoint", p.Endpoint),
				zap.Error(err),
			)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			c.logger.Error("error reading response",
				zap.String("endpoint", p.Endpoint),
				zap.Error(readErr),
			)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if opts.OnSuccess != nil {
				opts.OnSuccess(string(body))
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if opts.OnUnauthorized != nil {
				opts.OnUnauthorized()
			}
			timerSleep = opts.ConnectionRetry
		default:
			c.logger.Debug("unexpected response status",
				zap.String("endpoint", p.Endpoint),
				zap.Int("status", resp.StatusCode),
			)
		}

		c.logger.Debug("response",
			zap.String("endpoint", p.Endpoint),
			zap.Int("status", resp.StatusCode),
		)

		if !sleep(ctx, timerSleep) {
			return
		}
	}
}

// isConnectError reports whether err happened while dialing, as opposed to
// during the write or read of an established exchange.
func isConnectError(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) {
		return op.Op == "dial"
	}
	var dns *net.DNSError
	return errors.As(err, &dns)
}

// sleep waits for d or until ctx is cancelled. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// AuthenticateWithUUIDAndKey requests a token from /api/v1/authentication
// using the enrollment uuid and key. Returns the token on HTTP 200.
func (c *Client) AuthenticateWithUUIDAndKey(ctx context.Context, host, port, userAgent, uuid, key string, useTLS bool) (string, error) {
	payload, err := json.Marshal(map[string]string{"uuid": uuid, "key": key})
	if err != nil {
		return "", fmt.Errorf("transport: marshal auth request: %w", err)
	}

	resp := c.Do(ctx, RequestParams{
		Method:    http.MethodPost,
		Host:      host,
		Port:      port,
		Endpoint:  "/api/v1/authentication",
		UserAgent: userAgent,
		Body:      string(payload),
		UseTLS:    useTLS,
	})
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: authentication rejected with status %d", resp.StatusCode)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
		return "", fmt.Errorf("transport: parsing token in response: %w", err)
	}
	if parsed.Token == "" {
		return "", errors.New("transport: authentication response missing token")
	}
	return parsed.Token, nil
}

// AuthenticateWithUserPassword requests a token from
// /security/user/authenticate using basic auth. Returns the token on HTTP 200.
func (c *Client) AuthenticateWithUserPassword(ctx context.Context, host, port, userAgent, user, password string, useTLS bool) (string, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))

	resp := c.Do(ctx, RequestParams{
		Method:    http.MethodPost,
		Host:      host,
		Port:      port,
		Endpoint:  "/security/user/authenticate",
		UserAgent: userAgent,
		UserPass:  basic,
		UseTLS:    useTLS,
	})
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: authentication rejected with status %d", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
		return "", fmt.Errorf("transport: parsing token in response: %w", err)
	}
	if parsed.Data.Token == "" {
		return "", errors.New("transport: authentication response missing token")
	}
	return parsed.Data.Token, nil
}
