// Package client implements the replichat client runtime: it holds a
// connection to the current leader guess, probes it periodically, rediscovers
// the leader when calls fail or a follower answers, and retries failed calls
// so leader churn stays hidden from the caller.
package client

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/replichat/replichat/internal/rpc"
	"github.com/replichat/replichat/pkg/errors"
	"github.com/replichat/replichat/pkg/retry"
)

// Config configures the client runtime.
type Config struct {
	// InitialAddress is the configured first leader guess.
	InitialAddress string

	// FallbackAddresses seeds the set of addresses that might host the leader.
	FallbackAddresses []string

	// RPCTimeout bounds each client operation call.
	RPCTimeout time.Duration

	// FallbackTimeout bounds each individual rediscovery probe.
	FallbackTimeout time.Duration

	// LeaderLookupTimeout bounds one whole rediscovery round.
	LeaderLookupTimeout time.Duration

	// RetryDelay is slept between retry attempts.
	RetryDelay time.Duration

	// HeartbeatInterval is the period of the background leader probe.
	HeartbeatInterval time.Duration

	// MaxAttempts is the number of attempts per operation.
	MaxAttempts int
}

// DefaultConfig returns the client runtime defaults.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:          3 * time.Second,
		FallbackTimeout:     1 * time.Second,
		LeaderLookupTimeout: 5 * time.Second,
		RetryDelay:          1 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		MaxAttempts:         3,
	}
}

// Client is the chat client runtime.
type Client struct {
	config Config
	rpc    *rpc.Client

	mu         sync.RWMutex
	leaderAddr string
	fallback   map[string]struct{}

	retryer *retry.Retryer
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a client runtime pointed at config.InitialAddress.
func New(config Config) *Client {
	defaults := DefaultConfig()
	if config.RPCTimeout <= 0 {
		config.RPCTimeout = defaults.RPCTimeout
	}
	if config.FallbackTimeout <= 0 {
		config.FallbackTimeout = defaults.FallbackTimeout
	}
	if config.LeaderLookupTimeout <= 0 {
		config.LeaderLookupTimeout = defaults.LeaderLookupTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	c := &Client{
		config:     config,
		rpc:        rpc.NewClient(),
		leaderAddr: config.InitialAddress,
		fallback:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
	c.retryer = retry.New(retry.Config{
		MaxAttempts: config.MaxAttempts,
		Delay:       config.RetryDelay,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeUnavailable,
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeNetworkError,
			errors.ErrCodeNotLeader,
		},
		OnRetry: func(attempt int, err error) {
			log.Printf("client: attempt %d failed (%v), rediscovering leader and retrying", attempt, err)
			_ = c.RediscoverLeader(context.Background())
		},
	})

	for _, addr := range config.FallbackAddresses {
		if addr != "" {
			c.fallback[addr] = struct{}{}
		}
	}
	if config.InitialAddress != "" {
		c.fallback[config.InitialAddress] = struct{}{}
	}

	return c
}

// Start launches the background heartbeat probe.
func (c *Client) Start(ctx context.Context) {
	go c.heartbeatLoop(ctx)
}

// Stop terminates the background probe.
func (c *Client) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
}

// LeaderAddress returns the current leader guess.
func (c *Client) LeaderAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderAddr
}

// FallbackAddresses returns a copy of the current fallback set.
func (c *Client) FallbackAddresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	addrs := make([]string, 0, len(c.fallback))
	for addr := range c.fallback {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (c *Client) connectTo(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderAddr != addr {
		log.Printf("client: connected to leader at %s", addr)
	}
	c.leaderAddr = addr
}

// mergeFallback unions new addresses into the fallback set; addresses are
// only ever added, never replaced.
func (c *Client) mergeFallback(addrs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		if addr != "" {
			c.fallback[addr] = struct{}{}
		}
	}
}

// RediscoverLeader queries every fallback address in parallel and connects to
// the first valid leader reported. Each probe is bounded by FallbackTimeout
// and the whole round by LeaderLookupTimeout. The responder's replica list is
// merged into the fallback set.
func (c *Client) RediscoverLeader(ctx context.Context) error {
	fallback := c.FallbackAddresses()
	if len(fallback) == 0 {
		return errors.NewError(errors.ErrCodeNoLeader, "no fallback addresses configured")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.config.LeaderLookupTimeout)
	defer cancel()

	type result struct {
		resp *rpc.GetLeaderInfoResponse
		addr string
	}
	results := make(chan result, len(fallback))
	var wg sync.WaitGroup

	for _, addr := range fallback {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := c.rpc.GetLeaderInfo(lookupCtx, addr, c.config.FallbackTimeout)
			if err != nil {
				return
			}
			if resp.HasLeader() {
				results <- result{resp: resp, addr: addr}
			}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case res, ok := <-results:
		if !ok {
			log.Printf("client: leader lookup failed on all fallback addresses; keeping current connection")
			return errors.NewError(errors.ErrCodeNoLeader, "no leader found among fallback addresses")
		}
		log.Printf("client: found leader at %s via fallback address %s", res.resp.LeaderAddress, res.addr)
		c.connectTo(res.resp.LeaderAddress)
		c.mergeFallback(res.resp.ReplicaAddresses)
		return nil
	case <-lookupCtx.Done():
		log.Printf("client: leader lookup timed out; keeping current connection")
		return errors.NewError(errors.ErrCodeNoLeader, "leader lookup timed out").WithCause(lookupCtx.Err())
	}
}

// heartbeatLoop periodically probes the current connection with GetLeaderInfo
// and rediscovers the leader when the probe fails or reports no leader.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			resp, err := c.rpc.GetLeaderInfo(ctx, c.LeaderAddress(), c.config.RPCTimeout)
			if err != nil || !resp.HasLeader() {
				log.Printf("client: heartbeat check failed, rediscovering leader")
				_ = c.RediscoverLeader(ctx)
			}
		}
	}
}

// invoke runs one RPC against the current leader guess with the retry policy:
// transport-unavailable failures and not-leader rejections trigger leader
// rediscovery followed by a retry, up to MaxAttempts; any other error
// propagates immediately.
func (c *Client) invoke(ctx context.Context, fn func(ctx context.Context, addr string) error) error {
	return c.retryer.Do(ctx, func(ctx context.Context) error {
		return fn(ctx, c.LeaderAddress())
	})
}

// notLeaderError converts a follower's structured write rejection into a
// typed error so invoke treats it as a rediscovery trigger.
func notLeaderError(success bool, message string) error {
	if !success && strings.HasPrefix(message, "Not leader") {
		return errors.NewError(errors.ErrCodeNotLeader, message)
	}
	return nil
}

// CreateAccount creates an account through the current leader.
func (c *Client) CreateAccount(ctx context.Context, username, password string) (*rpc.CreateAccountResponse, error) {
	var resp *rpc.CreateAccountResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.CreateAccount(ctx, addr, &rpc.CreateAccountRequest{Username: username, Password: password}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		if nlErr := notLeaderError(r.Success, r.Message); nlErr != nil {
			return nlErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// Login verifies credentials and returns the unread count.
func (c *Client) Login(ctx context.Context, username, password string) (*rpc.LoginResponse, error) {
	var resp *rpc.LoginResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.Login(ctx, addr, &rpc.LoginRequest{Username: username, Password: password}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// ListAccounts lists usernames matching the pattern.
func (c *Client) ListAccounts(ctx context.Context, username, pattern string) (*rpc.ListAccountsResponse, error) {
	var resp *rpc.ListAccountsResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.ListAccounts(ctx, addr, &rpc.ListAccountsRequest{Username: username, Pattern: pattern}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// SendMessage sends a message through the current leader.
func (c *Client) SendMessage(ctx context.Context, sender, to, content string) (*rpc.SendMessageResponse, error) {
	var resp *rpc.SendMessageResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.SendMessage(ctx, addr, &rpc.SendMessageRequest{Sender: sender, To: to, Content: content}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		if nlErr := notLeaderError(r.Success, r.Message); nlErr != nil {
			return nlErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// ReadNewMessages fetches up to count unread messages and marks them read.
func (c *Client) ReadNewMessages(ctx context.Context, username string, count int) (*rpc.ReadNewMessagesResponse, error) {
	var resp *rpc.ReadNewMessagesResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.ReadNewMessages(ctx, addr, &rpc.ReadNewMessagesRequest{Username: username, Count: count}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// ListMessages fetches all read messages for the user.
func (c *Client) ListMessages(ctx context.Context, username string) (*rpc.ListMessagesResponse, error) {
	var resp *rpc.ListMessagesResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.ListMessages(ctx, addr, &rpc.ListMessagesRequest{Username: username}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// DeleteMessages deletes the given message ids ([-1] deletes all).
func (c *Client) DeleteMessages(ctx context.Context, username string, messageIDs []int64) (*rpc.DeleteMessagesResponse, error) {
	var resp *rpc.DeleteMessagesResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.DeleteMessages(ctx, addr, &rpc.DeleteMessagesRequest{Username: username, MessageIDs: messageIDs}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		if nlErr := notLeaderError(r.Success, r.Message); nlErr != nil {
			return nlErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// DeleteAccount deletes the account and its received messages.
func (c *Client) DeleteAccount(ctx context.Context, username string) (*rpc.DeleteAccountResponse, error) {
	var resp *rpc.DeleteAccountResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.DeleteAccount(ctx, addr, &rpc.DeleteAccountRequest{Username: username}, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		if nlErr := notLeaderError(r.Success, r.Message); nlErr != nil {
			return nlErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// GetLeaderInfo queries the current connection for leadership info.
func (c *Client) GetLeaderInfo(ctx context.Context) (*rpc.GetLeaderInfoResponse, error) {
	var resp *rpc.GetLeaderInfoResponse
	err := c.invoke(ctx, func(ctx context.Context, addr string) error {
		r, err := c.rpc.GetLeaderInfo(ctx, addr, c.config.RPCTimeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}
