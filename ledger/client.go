package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"github.com/roots-id/go-didwallet"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const httpClientTimeout = 30 * time.Second

// Client talks to a ledger node over HTTP.
type Client struct {
	NodeURL    string
	UserAgent  string
	HTTPClient *http.Client
	WSDialer   *websocket.Dialer
	Logger     *slog.Logger
}

var _ Ledger = (*Client)(nil)

func NewClient(nodeURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		NodeURL:   strings.TrimRight(nodeURL, "/"),
		UserAgent: fmt.Sprintf("go-didwallet/%s", versioninfo.Short()),
		HTTPClient: &http.Client{
			Timeout:   httpClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		WSDialer: websocket.DefaultDialer,
		Logger:   logger.With("component", "ledger-client"),
	}
}

type submitResponse struct {
	OperationID string `json:"operationId"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	EncodedSignedCredential string          `json:"encodedSignedCredential"`
	Proof                   didwallet.Proof `json:"proof"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// statusError maps a non-2xx node response onto the error taxonomy.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidOperation, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrHeadMismatch, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", didwallet.ErrNotFound, msg)
	default:
		return fmt.Errorf("ledger node returned status %d: %s", resp.StatusCode, msg)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.NodeURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger().Debug("http request starting", "method", method, "path", path)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("ledger node request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse ledger node response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Submit posts a signed operation of any type.
func (c *Client) Submit(ctx context.Context, op Operation) (string, error) {
	enum, err := NewOpEnum(op)
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/operations", enum, &resp); err != nil {
		return "", err
	}
	if resp.OperationID == "" {
		return "", errors.New("ledger node returned no operation id")
	}
	return resp.OperationID, nil
}

func (c *Client) CreateDid(ctx context.Context, op *CreateDidOp) (string, error) {
	return c.Submit(ctx, op)
}

func (c *Client) UpdateDid(ctx context.Context, op *UpdateDidOp) (string, error) {
	return c.Submit(ctx, op)
}

func (c *Client) IssueCredentials(ctx context.Context, op *IssueCredentialsOp) (string, error) {
	return c.Submit(ctx, op)
}

func (c *Client) RevokeCredentials(ctx context.Context, op *RevokeCredentialsOp) (string, error) {
	return c.Submit(ctx, op)
}

func (c *Client) GetOperationInfo(ctx context.Context, operationID string) (*OperationInfo, error) {
	var info OperationInfo
	if err := c.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(operationID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Verify(ctx context.Context, encodedSignedCredential string, proof didwallet.Proof) (*VerificationResult, error) {
	req := VerifyRequest{
		EncodedSignedCredential: encodedSignedCredential,
		Proof:                   proof,
	}
	res := NewVerificationResult()
	if err := c.do(ctx, http.MethodPost, "/verify", req, res); err != nil {
		return nil, err
	}
	if res.Errors == nil {
		res.Errors = []didwallet.VerificationError{}
	}
	return res, nil
}

func (c *Client) ResolveDid(ctx context.Context, did string) (*DidEntry, error) {
	var entry DidEntry
	if err := c.do(ctx, http.MethodGet, "/dids/"+url.PathEscape(CanonicalDID(did)), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ResolveDoc fetches the DID document of an applied DID.
func (c *Client) ResolveDoc(ctx context.Context, did string) (*didwallet.Doc, error) {
	var doc didwallet.Doc
	if err := c.do(ctx, http.MethodGet, "/dids/"+url.PathEscape(CanonicalDID(did))+"/doc", nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// AuditLog fetches every operation the node has seen for a DID.
func (c *Client) AuditLog(ctx context.Context, did string) ([]LogEntry, error) {
	var entries []LogEntry
	if err := c.do(ctx, http.MethodGet, "/dids/"+url.PathEscape(CanonicalDID(did))+"/log", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (*BatchEntry, error) {
	var batch BatchEntry
	if err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// buildStreamURL converts an HTTP node URL to the websocket /operations/stream URL.
// e.g. "https://host" -> "wss://host/operations/stream"
func buildStreamURL(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/operations/stream"
	return u.String(), nil
}

// WatchOperations streams operation status changes from the node, calling fn for each,
// until ctx is cancelled or the connection fails.
func (c *Client) WatchOperations(ctx context.Context, fn func(OperationInfo)) error {
	wsURL, err := buildStreamURL(c.NodeURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.UserAgent != "" {
		header.Set("User-Agent", c.UserAgent)
	}
	dialer := c.WSDialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// ReadMessage doesn't take a context
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	c.logger().Info("websocket connected", "url", wsURL)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read error: %w", err)
		}
		var info OperationInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return fmt.Errorf("failed to parse websocket message: %w", err)
		}
		fn(info)
	}
}
