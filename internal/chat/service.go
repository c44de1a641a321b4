// Package chat implements the eight client-facing chat operations over the
// replica-local store. Writes are leader-only: the leader validates, commits
// locally through the shared applier, then fans a replication record out to
// its peers. Reads are served by whichever replica the client reached.
package chat

import (
	"fmt"
	"log"
	"time"

	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/metrics"
	"github.com/replichat/replichat/internal/replication"
	"github.com/replichat/replichat/internal/rpc"
	"github.com/replichat/replichat/internal/store"
	"github.com/replichat/replichat/pkg/errors"
)

// notLeaderMessage is what a follower answers to any write RPC; the client
// runtime treats it as a trigger to rediscover the leader.
const notLeaderMessage = "Not leader. Please contact the leader."

// timestampLayout renders leader-assigned message timestamps as MM/DD HH:MM.
const timestampLayout = "01/02 15:04"

// Service implements the chat operation layer for one replica.
type Service struct {
	store      *store.Store
	applier    *replication.Applier
	view       *cluster.View
	replicator *cluster.Replicator
	metrics    *metrics.Collector

	// now is swappable for tests that pin message timestamps.
	now func() time.Time
}

// NewService creates the chat operation layer.
func NewService(s *store.Store, applier *replication.Applier, view *cluster.View, replicator *cluster.Replicator, collector *metrics.Collector) *Service {
	return &Service{
		store:      s,
		applier:    applier,
		view:       view,
		replicator: replicator,
		metrics:    collector,
		now:        time.Now,
	}
}

// CreateAccount creates a new account. Leader-only.
func (s *Service) CreateAccount(req *rpc.CreateAccountRequest) *rpc.CreateAccountResponse {
	start := s.now()
	resp := s.createAccount(req)
	s.metrics.ObserveOperation("create_account", resp.Success, time.Since(start))
	return resp
}

func (s *Service) createAccount(req *rpc.CreateAccountRequest) *rpc.CreateAccountResponse {
	if !s.view.IsLeader() {
		return &rpc.CreateAccountResponse{Success: false, Message: notLeaderMessage}
	}
	if req.Username == "" || req.Password == "" {
		return &rpc.CreateAccountResponse{Success: false, Message: "Username or password missing"}
	}

	rec, err := replication.NewRecord(replication.OpCreateAccount, replication.CreateAccountPayload{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return &rpc.CreateAccountResponse{Success: false, Message: err.Error()}
	}

	if err := s.applier.Apply(rec); err != nil {
		var chatErr *errors.ChatError
		if errors.As(err, &chatErr) && chatErr.Code == errors.ErrCodeStoreConflict {
			return &rpc.CreateAccountResponse{Success: false, Message: "Username already taken"}
		}
		return &rpc.CreateAccountResponse{Success: false, Message: err.Error()}
	}

	s.replicator.Replicate(rec)
	log.Printf("chat: account created: %s", req.Username)
	return &rpc.CreateAccountResponse{
		Success: true,
		Message: fmt.Sprintf("Account '%s' created successfully", req.Username),
	}
}

// Login verifies credentials and reports the unread count on this replica.
// Served by any replica.
func (s *Service) Login(req *rpc.LoginRequest) *rpc.LoginResponse {
	start := s.now()
	resp := s.login(req)
	s.metrics.ObserveOperation("login", resp.Success, time.Since(start))
	return resp
}

func (s *Service) login(req *rpc.LoginRequest) *rpc.LoginResponse {
	if req.Username == "" || req.Password == "" {
		return &rpc.LoginResponse{Success: false, Message: "Username or password missing"}
	}

	password, exists, err := s.store.GetPassword(req.Username)
	if err != nil {
		return &rpc.LoginResponse{Success: false, Message: err.Error()}
	}
	if !exists {
		return &rpc.LoginResponse{Success: false, Message: "No such user"}
	}
	if password != req.Password {
		return &rpc.LoginResponse{Success: false, Message: "Incorrect password"}
	}

	unread, err := s.store.CountUnread(req.Username)
	if err != nil {
		return &rpc.LoginResponse{Success: false, Message: err.Error()}
	}

	log.Printf("chat: user logged in: %s", req.Username)
	return &rpc.LoginResponse{
		Success:     true,
		Message:     fmt.Sprintf("User '%s' logged in successfully", req.Username),
		UnreadCount: unread,
	}
}

// ListAccounts lists usernames matching the pattern (substring match; empty
// pattern lists all). Served by any replica.
func (s *Service) ListAccounts(req *rpc.ListAccountsRequest) *rpc.ListAccountsResponse {
	start := s.now()
	resp := s.listAccounts(req)
	s.metrics.ObserveOperation("list_accounts", resp.Success, time.Since(start))
	return resp
}

func (s *Service) listAccounts(req *rpc.ListAccountsRequest) *rpc.ListAccountsResponse {
	accounts, err := s.store.ListAccounts(req.Pattern)
	if err != nil {
		return &rpc.ListAccountsResponse{Success: false}
	}
	if accounts == nil {
		accounts = []string{}
	}
	log.Printf("chat: listed accounts with pattern %q", req.Pattern)
	return &rpc.ListAccountsResponse{Success: true, Accounts: accounts}
}

// SendMessage stores a message for the recipient with a leader-assigned
// timestamp. Leader-only. The recipient must exist.
func (s *Service) SendMessage(req *rpc.SendMessageRequest) *rpc.SendMessageResponse {
	start := s.now()
	resp := s.sendMessage(req)
	s.metrics.ObserveOperation("send_message", resp.Success, time.Since(start))
	return resp
}

func (s *Service) sendMessage(req *rpc.SendMessageRequest) *rpc.SendMessageResponse {
	if !s.view.IsLeader() {
		return &rpc.SendMessageResponse{Success: false, Message: notLeaderMessage}
	}
	if req.Sender == "" || req.To == "" {
		return &rpc.SendMessageResponse{Success: false, Message: "Missing fields"}
	}

	// Content may be empty; only the recipient must exist.
	exists, err := s.store.AccountExists(req.To)
	if err != nil {
		return &rpc.SendMessageResponse{Success: false, Message: err.Error()}
	}
	if !exists {
		return &rpc.SendMessageResponse{Success: false, Message: "No such recipient"}
	}

	timestamp := s.now().Format(timestampLayout)
	rec, err := replication.NewRecord(replication.OpSendMessage, replication.SendMessagePayload{
		Sender:    req.Sender,
		Recipient: req.To,
		Content:   req.Content,
		Timestamp: timestamp,
	})
	if err != nil {
		return &rpc.SendMessageResponse{Success: false, Message: err.Error()}
	}

	if err := s.applier.Apply(rec); err != nil {
		return &rpc.SendMessageResponse{Success: false, Message: err.Error()}
	}

	s.replicator.Replicate(rec)
	log.Printf("chat: message from %q to %q sent", req.Sender, req.To)
	return &rpc.SendMessageResponse{Success: true, Message: "Message sent successfully"}
}

// ReadNewMessages returns up to count unread messages for the user (all of
// them when count <= 0 or count exceeds what is available) and marks them read
// on this replica. The read marks are local and not replicated.
func (s *Service) ReadNewMessages(req *rpc.ReadNewMessagesRequest) *rpc.ReadNewMessagesResponse {
	start := s.now()
	resp := s.readNewMessages(req)
	s.metrics.ObserveOperation("read_new_messages", resp.Success, time.Since(start))
	return resp
}

func (s *Service) readNewMessages(req *rpc.ReadNewMessagesRequest) *rpc.ReadNewMessagesResponse {
	if req.Username == "" {
		return &rpc.ReadNewMessagesResponse{Success: false, Messages: []string{}}
	}

	unread, err := s.store.SelectUnread(req.Username)
	if err != nil {
		return &rpc.ReadNewMessagesResponse{Success: false, Messages: []string{}}
	}

	if req.Count > 0 && req.Count < len(unread) {
		unread = unread[:req.Count]
	}

	ids := make([]int64, 0, len(unread))
	formatted := make([]string, 0, len(unread))
	for _, m := range unread {
		ids = append(ids, m.ID)
		formatted = append(formatted, store.FormatMessage(m))
	}

	if err := s.store.MarkRead(ids); err != nil {
		return &rpc.ReadNewMessagesResponse{Success: false, Messages: []string{}}
	}

	log.Printf("chat: read %d new messages for %q", len(formatted), req.Username)
	return &rpc.ReadNewMessagesResponse{Success: true, Messages: formatted}
}

// ListMessages returns all read messages for the user as formatted strings.
// Served by any replica.
func (s *Service) ListMessages(req *rpc.ListMessagesRequest) *rpc.ListMessagesResponse {
	start := s.now()
	resp := s.listMessages(req)
	s.metrics.ObserveOperation("list_messages", resp.Success, time.Since(start))
	return resp
}

func (s *Service) listMessages(req *rpc.ListMessagesRequest) *rpc.ListMessagesResponse {
	if req.Username == "" {
		return &rpc.ListMessagesResponse{Success: false, Messages: []string{}}
	}

	read, err := s.store.SelectRead(req.Username)
	if err != nil {
		return &rpc.ListMessagesResponse{Success: false, Messages: []string{}}
	}

	formatted := make([]string, 0, len(read))
	for _, m := range read {
		formatted = append(formatted, store.FormatMessage(m))
	}

	log.Printf("chat: listed %d read messages for %q", len(formatted), req.Username)
	return &rpc.ListMessagesResponse{Success: true, Messages: formatted}
}

// DeleteMessages deletes the given message ids for the user; the special id
// list [-1] deletes all of the user's messages. Leader-only.
func (s *Service) DeleteMessages(req *rpc.DeleteMessagesRequest) *rpc.DeleteMessagesResponse {
	start := s.now()
	resp := s.deleteMessages(req)
	s.metrics.ObserveOperation("delete_messages", resp.Success, time.Since(start))
	return resp
}

func (s *Service) deleteMessages(req *rpc.DeleteMessagesRequest) *rpc.DeleteMessagesResponse {
	if !s.view.IsLeader() {
		return &rpc.DeleteMessagesResponse{Success: false, Message: notLeaderMessage}
	}
	if req.Username == "" || len(req.MessageIDs) == 0 {
		return &rpc.DeleteMessagesResponse{Success: false, Message: "Missing fields"}
	}

	rec, err := replication.NewRecord(replication.OpDeleteMessages, replication.DeleteMessagesPayload{
		Username:   req.Username,
		MessageIDs: req.MessageIDs,
	})
	if err != nil {
		return &rpc.DeleteMessagesResponse{Success: false, Message: err.Error()}
	}

	if err := s.applier.Apply(rec); err != nil {
		return &rpc.DeleteMessagesResponse{Success: false, Message: err.Error()}
	}

	s.replicator.Replicate(rec)
	log.Printf("chat: deleted messages for %q", req.Username)
	return &rpc.DeleteMessagesResponse{Success: true, Message: "Messages deleted successfully"}
}

// DeleteAccount removes the account and every message addressed to it.
// Leader-only.
func (s *Service) DeleteAccount(req *rpc.DeleteAccountRequest) *rpc.DeleteAccountResponse {
	start := s.now()
	resp := s.deleteAccount(req)
	s.metrics.ObserveOperation("delete_account", resp.Success, time.Since(start))
	return resp
}

func (s *Service) deleteAccount(req *rpc.DeleteAccountRequest) *rpc.DeleteAccountResponse {
	if !s.view.IsLeader() {
		return &rpc.DeleteAccountResponse{Success: false, Message: notLeaderMessage}
	}
	if req.Username == "" {
		return &rpc.DeleteAccountResponse{Success: false, Message: "Username missing"}
	}

	rec, err := replication.NewRecord(replication.OpDeleteAccount, replication.DeleteAccountPayload{
		Username: req.Username,
	})
	if err != nil {
		return &rpc.DeleteAccountResponse{Success: false, Message: err.Error()}
	}

	if err := s.applier.Apply(rec); err != nil {
		return &rpc.DeleteAccountResponse{Success: false, Message: err.Error()}
	}

	s.replicator.Replicate(rec)
	log.Printf("chat: account deleted: %s", req.Username)
	return &rpc.DeleteAccountResponse{
		Success: true,
		Message: fmt.Sprintf("Account '%s' deleted successfully", req.Username),
	}
}
