package chat

import (
	"testing"
	"time"

	"github.com/replichat/replichat/internal/cluster"
	"github.com/replichat/replichat/internal/metrics"
	"github.com/replichat/replichat/internal/replication"
	"github.com/replichat/replichat/internal/rpc"
	"github.com/replichat/replichat/internal/store"
)

// newTestService builds a single-node service with no peers, either as leader
// or as follower.
func newTestService(t *testing.T, leader bool) *Service {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	collector, err := metrics.NewCollector(1)
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}

	view := cluster.NewView(1, "localhost:50051", leader, []string{"localhost:50051"})
	replicator := cluster.NewReplicator(view, rpc.NewClient(), time.Second, collector)
	applier := replication.NewApplier(s)

	svc := NewService(s, applier, view, replicator, collector)
	svc.now = func() time.Time {
		return time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	}
	return svc
}

func TestSingleNodeLeaderFlow(t *testing.T) {
	svc := newTestService(t, true)

	createResp := svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})
	if !createResp.Success {
		t.Fatalf("CreateAccount failed: %s", createResp.Message)
	}

	loginResp := svc.Login(&rpc.LoginRequest{Username: "alice", Password: "h1"})
	if !loginResp.Success {
		t.Fatalf("Login failed: %s", loginResp.Message)
	}
	if loginResp.UnreadCount != 0 {
		t.Errorf("expected unread_count 0, got %d", loginResp.UnreadCount)
	}

	sendResp := svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "alice", Content: "hi"})
	if !sendResp.Success {
		t.Fatalf("SendMessage failed: %s", sendResp.Message)
	}

	readResp := svc.ReadNewMessages(&rpc.ReadNewMessagesRequest{Username: "alice", Count: 0})
	if !readResp.Success {
		t.Fatal("ReadNewMessages failed")
	}
	if len(readResp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(readResp.Messages))
	}
	want := "03/05 14:30 - From: alice - hi"
	if readResp.Messages[0] != want {
		t.Errorf("expected %q, got %q", want, readResp.Messages[0])
	}
}

func TestWrites_RejectedOnFollower(t *testing.T) {
	svc := newTestService(t, false)

	if resp := svc.CreateAccount(&rpc.CreateAccountRequest{Username: "a", Password: "p"}); resp.Success {
		t.Error("CreateAccount should be rejected on a follower")
	}
	if resp := svc.SendMessage(&rpc.SendMessageRequest{Sender: "a", To: "b", Content: "x"}); resp.Success {
		t.Error("SendMessage should be rejected on a follower")
	}
	if resp := svc.DeleteMessages(&rpc.DeleteMessagesRequest{Username: "a", MessageIDs: []int64{1}}); resp.Success {
		t.Error("DeleteMessages should be rejected on a follower")
	}
	if resp := svc.DeleteAccount(&rpc.DeleteAccountRequest{Username: "a"}); resp.Success {
		t.Error("DeleteAccount should be rejected on a follower")
	}
}

func TestCreateAccount_Validation(t *testing.T) {
	svc := newTestService(t, true)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "missing username", username: "", password: "p"},
		{name: "missing password", username: "a", password: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := svc.CreateAccount(&rpc.CreateAccountRequest{Username: tt.username, Password: tt.password})
			if resp.Success {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestCreateAccount_DuplicateUsername(t *testing.T) {
	svc := newTestService(t, true)

	if resp := svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"}); !resp.Success {
		t.Fatalf("first create failed: %s", resp.Message)
	}
	resp := svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h2"})
	if resp.Success {
		t.Fatal("duplicate create should fail")
	}
	if resp.Message != "Username already taken" {
		t.Errorf("unexpected message: %q", resp.Message)
	}
}

func TestLogin_Failures(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})

	if resp := svc.Login(&rpc.LoginRequest{Username: "ghost", Password: "x"}); resp.Success {
		t.Error("login for unknown user should fail")
	}
	if resp := svc.Login(&rpc.LoginRequest{Username: "alice", Password: "wrong"}); resp.Success {
		t.Error("login with wrong password should fail")
	}
}

func TestSendMessage_NoSuchRecipient(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})

	resp := svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "ghost", Content: "hello?"})
	if resp.Success {
		t.Fatal("sending to a non-existent recipient should fail")
	}
	if resp.Message != "No such recipient" {
		t.Errorf("unexpected message: %q", resp.Message)
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "bob", Password: "h2"})

	resp := svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "bob", Content: ""})
	if !resp.Success {
		t.Fatalf("empty content should be allowed: %s", resp.Message)
	}

	readResp := svc.ReadNewMessages(&rpc.ReadNewMessagesRequest{Username: "bob", Count: 0})
	if len(readResp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(readResp.Messages))
	}
	want := "03/05 14:30 - From: alice - "
	if readResp.Messages[0] != want {
		t.Errorf("expected %q, got %q", want, readResp.Messages[0])
	}
}

func TestReadNewMessages_CountBoundaries(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "bob", Password: "h2"})

	for i := 0; i < 3; i++ {
		svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "bob", Content: "msg"})
	}

	// count=2 returns 2 and leaves 1 unread.
	resp := svc.ReadNewMessages(&rpc.ReadNewMessagesRequest{Username: "bob", Count: 2})
	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}

	// count far above the remainder returns everything left.
	resp = svc.ReadNewMessages(&rpc.ReadNewMessagesRequest{Username: "bob", Count: 100})
	if len(resp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(resp.Messages))
	}

	// count=0 with nothing unread returns empty.
	resp = svc.ReadNewMessages(&rpc.ReadNewMessagesRequest{Username: "bob", Count: 0})
	if len(resp.Messages) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(resp.Messages))
	}

	// All three now show up as read.
	listResp := svc.ListMessages(&rpc.ListMessagesRequest{Username: "bob"})
	if len(listResp.Messages) != 3 {
		t.Fatalf("expected 3 read messages, got %d", len(listResp.Messages))
	}
}

func TestDeleteMessages_Boundaries(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "bob", Password: "h2"})
	svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "bob", Content: "one"})
	svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "bob", Content: "two"})

	// Empty id list is a validation error.
	if resp := svc.DeleteMessages(&rpc.DeleteMessagesRequest{Username: "bob", MessageIDs: nil}); resp.Success {
		t.Error("empty id list should fail")
	}

	// [-1] deletes everything for the user.
	resp := svc.DeleteMessages(&rpc.DeleteMessagesRequest{Username: "bob", MessageIDs: []int64{-1}})
	if !resp.Success {
		t.Fatalf("delete all failed: %s", resp.Message)
	}

	loginResp := svc.Login(&rpc.LoginRequest{Username: "bob", Password: "h2"})
	if loginResp.UnreadCount != 0 {
		t.Errorf("expected 0 unread after delete-all, got %d", loginResp.UnreadCount)
	}
}

func TestDeleteAccount_ThenRecreate(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "bob", Password: "h2"})
	svc.SendMessage(&rpc.SendMessageRequest{Sender: "bob", To: "alice", Content: "bye"})

	delResp := svc.DeleteAccount(&rpc.DeleteAccountRequest{Username: "alice"})
	if !delResp.Success {
		t.Fatalf("DeleteAccount failed: %s", delResp.Message)
	}

	listResp := svc.ListAccounts(&rpc.ListAccountsRequest{Username: "bob", Pattern: "alice"})
	if len(listResp.Accounts) != 0 {
		t.Error("deleted account should not be listed")
	}

	// CreateAccount(u,p) ; DeleteAccount(u) ; CreateAccount(u,p') succeeds.
	createResp := svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h3"})
	if !createResp.Success {
		t.Fatalf("recreate after delete failed: %s", createResp.Message)
	}

	loginResp := svc.Login(&rpc.LoginRequest{Username: "alice", Password: "h3"})
	if !loginResp.Success || loginResp.UnreadCount != 0 {
		t.Errorf("expected clean recreated account, got success=%v unread=%d",
			loginResp.Success, loginResp.UnreadCount)
	}
}

func TestListAccounts_PatternMatching(t *testing.T) {
	svc := newTestService(t, true)
	for _, u := range []string{"alice", "alicia", "bob"} {
		svc.CreateAccount(&rpc.CreateAccountRequest{Username: u, Password: "h"})
	}

	resp := svc.ListAccounts(&rpc.ListAccountsRequest{Username: "bob", Pattern: ""})
	if len(resp.Accounts) != 3 {
		t.Errorf("empty pattern should list all, got %v", resp.Accounts)
	}

	resp = svc.ListAccounts(&rpc.ListAccountsRequest{Username: "bob", Pattern: "lic"})
	if len(resp.Accounts) != 2 {
		t.Errorf("substring pattern should match alice and alicia, got %v", resp.Accounts)
	}
}

func TestLogin_UnreadCountMatchesStore(t *testing.T) {
	svc := newTestService(t, true)
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "alice", Password: "h1"})
	svc.CreateAccount(&rpc.CreateAccountRequest{Username: "bob", Password: "h2"})

	for i := 0; i < 4; i++ {
		svc.SendMessage(&rpc.SendMessageRequest{Sender: "alice", To: "bob", Content: "m"})
	}
	svc.ReadNewMessages(&rpc.ReadNewMessagesRequest{Username: "bob", Count: 1})

	loginResp := svc.Login(&rpc.LoginRequest{Username: "bob", Password: "h2"})
	if loginResp.UnreadCount != 3 {
		t.Errorf("expected unread_count 3, got %d", loginResp.UnreadCount)
	}
}
