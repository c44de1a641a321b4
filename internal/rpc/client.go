package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/replichat/replichat/pkg/errors"
)

// requestIDHeader carries a per-call id so one call can be correlated across
// the caller's and the replica's logs.
const requestIDHeader = "X-Request-Id"

// Client is a typed RPC client for replichat replicas. It is address-agnostic:
// every call names its target, so one Client serves peer fan-out, join
// discovery, and the client runtime alike.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client. Per-call deadlines come from the timeout passed
// to each call, not from the underlying transport.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

// call posts req to addr+path and decodes the JSON body into resp. Transport
// failures and timeouts come back as UNAVAILABLE-class errors so callers can
// trigger leader rediscovery.
func (c *Client) call(ctx context.Context, addr, path string, req, resp interface{}, timeout time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode request").WithCause(err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(requestIDHeader, uuid.NewString())

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(addr, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		// Replicas answer every RPC with 200 and a structured body; anything
		// else means we did not reach a healthy replica.
		return errors.Newf(errors.ErrCodeUnavailable, "replica %s returned HTTP %d for %s",
			addr, httpResp.StatusCode, path)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Newf(errors.ErrCodeNetworkError, "failed to read response from %s", addr).WithCause(err)
	}

	if err := json.Unmarshal(respBody, resp); err != nil {
		return errors.Newf(errors.ErrCodeNetworkError, "malformed response from %s for %s", addr, path).WithCause(err)
	}

	return nil
}

func classifyTransportError(addr, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Newf(errors.ErrCodeConnectionTimeout, "call to %s%s timed out", addr, path).WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Newf(errors.ErrCodeConnectionTimeout, "call to %s%s timed out", addr, path).WithCause(err)
	}
	return errors.Newf(errors.ErrCodeUnavailable, "replica %s unreachable", addr).WithCause(err)
}

// Client-facing calls.

func (c *Client) CreateAccount(ctx context.Context, addr string, req *CreateAccountRequest, timeout time.Duration) (*CreateAccountResponse, error) {
	var resp CreateAccountResponse
	if err := c.call(ctx, addr, PathCreateAccount, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Login(ctx context.Context, addr string, req *LoginRequest, timeout time.Duration) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.call(ctx, addr, PathLogin, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListAccounts(ctx context.Context, addr string, req *ListAccountsRequest, timeout time.Duration) (*ListAccountsResponse, error) {
	var resp ListAccountsResponse
	if err := c.call(ctx, addr, PathListAccounts, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessage(ctx context.Context, addr string, req *SendMessageRequest, timeout time.Duration) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	if err := c.call(ctx, addr, PathSendMessage, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReadNewMessages(ctx context.Context, addr string, req *ReadNewMessagesRequest, timeout time.Duration) (*ReadNewMessagesResponse, error) {
	var resp ReadNewMessagesResponse
	if err := c.call(ctx, addr, PathReadNewMessages, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListMessages(ctx context.Context, addr string, req *ListMessagesRequest, timeout time.Duration) (*ListMessagesResponse, error) {
	var resp ListMessagesResponse
	if err := c.call(ctx, addr, PathListMessages, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteMessages(ctx context.Context, addr string, req *DeleteMessagesRequest, timeout time.Duration) (*DeleteMessagesResponse, error) {
	var resp DeleteMessagesResponse
	if err := c.call(ctx, addr, PathDeleteMessages, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteAccount(ctx context.Context, addr string, req *DeleteAccountRequest, timeout time.Duration) (*DeleteAccountResponse, error) {
	var resp DeleteAccountResponse
	if err := c.call(ctx, addr, PathDeleteAccount, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetLeaderInfo(ctx context.Context, addr string, timeout time.Duration) (*GetLeaderInfoResponse, error) {
	var resp GetLeaderInfoResponse
	if err := c.call(ctx, addr, PathGetLeaderInfo, &GetLeaderInfoRequest{}, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Replica-to-replica calls.

func (c *Client) Heartbeat(ctx context.Context, addr string, req *HeartbeatRequest, timeout time.Duration) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.call(ctx, addr, PathHeartbeat, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Election(ctx context.Context, addr string, req *ElectionRequest, timeout time.Duration) (*ElectionResponse, error) {
	var resp ElectionResponse
	if err := c.call(ctx, addr, PathElection, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReplicateOperation(ctx context.Context, addr string, req *ReplicateOperationRequest, timeout time.Duration) (*ReplicateOperationResponse, error) {
	var resp ReplicateOperationResponse
	if err := c.call(ctx, addr, PathReplicateOperation, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) JoinCluster(ctx context.Context, addr string, req *JoinClusterRequest, timeout time.Duration) (*JoinClusterResponse, error) {
	var resp JoinClusterResponse
	if err := c.call(ctx, addr, PathJoinCluster, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}
