package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/replichat/replichat/internal/rpc"
	"github.com/replichat/replichat/internal/store"
)

func openClusterStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServeJoin_RegistersAndSnapshots(t *testing.T) {
	leaderStore := openClusterStore(t)
	_ = leaderStore.InsertAccount("alice", "h1")
	_, _ = leaderStore.InsertMessage("alice", "alice", "note", false, "01/01 10:00")

	view := NewView(3, "localhost:50053", true, []string{"localhost:50053"})
	st := NewStateTransfer(view, leaderStore, rpc.NewClient(), newTestCollector(t))

	resp := st.ServeJoin(&rpc.JoinClusterRequest{NewServerAddress: "localhost:50054"})
	if !resp.Success {
		t.Fatalf("ServeJoin failed: %s", resp.Message)
	}

	found := false
	for _, addr := range view.Replicas() {
		if addr == "localhost:50054" {
			found = true
		}
	}
	if !found {
		t.Error("joiner address should be registered in the replica set")
	}

	var snap store.Snapshot
	if err := json.Unmarshal([]byte(resp.State), &snap); err != nil {
		t.Fatalf("state is not a valid snapshot: %v", err)
	}
	if len(snap.Accounts) != 1 || len(snap.Messages) != 1 {
		t.Errorf("unexpected snapshot contents: %+v", snap)
	}
}

// TestJoin_EndToEnd runs a joiner against a fake follower (relaying the leader
// address) and a fake leader (serving the snapshot).
func TestJoin_EndToEnd(t *testing.T) {
	leaderSnap := store.Snapshot{
		Accounts: []store.Account{{Username: "alice", Password: "h1"}, {Username: "bob", Password: "h2"}},
		Messages: []store.Message{
			{ID: 7, Sender: "alice", Recipient: "bob", Content: "hello", Read: false, Timestamp: "01/01 10:00"},
		},
	}

	// Fake leader: serves GetLeaderInfo and JoinCluster.
	leaderMux := http.NewServeMux()
	leaderTS := httptest.NewServer(leaderMux)
	defer leaderTS.Close()
	leaderAddr := strings.TrimPrefix(leaderTS.URL, "http://")

	leaderMux.HandleFunc(rpc.PathGetLeaderInfo, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpc.GetLeaderInfoResponse{
			Success:       true,
			LeaderAddress: leaderAddr,
			Message:       "I am leader",
		})
	})
	leaderMux.HandleFunc(rpc.PathJoinCluster, func(w http.ResponseWriter, r *http.Request) {
		state, _ := json.Marshal(leaderSnap)
		_ = json.NewEncoder(w).Encode(rpc.JoinClusterResponse{
			Success: true,
			State:   string(state),
			Message: "State transfer complete",
		})
	})

	// Fake follower: relays the leader's address.
	followerMux := http.NewServeMux()
	followerMux.HandleFunc(rpc.PathGetLeaderInfo, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpc.GetLeaderInfoResponse{
			Success:       true,
			LeaderAddress: leaderAddr,
			Message:       "Follower reporting leader info",
		})
	})
	followerTS := httptest.NewServer(followerMux)
	defer followerTS.Close()
	followerAddr := strings.TrimPrefix(followerTS.URL, "http://")

	joinerStore := openClusterStore(t)
	_ = joinerStore.InsertAccount("stale", "old")

	view := NewView(4, "localhost:50054", false, nil)
	view.lastHeartbeat = time.Now().Add(-time.Hour)
	st := NewStateTransfer(view, joinerStore, rpc.NewClient(), newTestCollector(t))

	err := st.Join(context.Background(), []string{followerAddr, "127.0.0.1:1"}, JoinTiming{
		ProbeTimeout:    time.Second,
		LookupBudget:    5 * time.Second,
		TransferTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	snap, err := joinerStore.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Accounts) != 2 {
		t.Errorf("expected leader's accounts, got %+v", snap.Accounts)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "hello" {
		t.Errorf("expected leader's messages, got %+v", snap.Messages)
	}
	for _, a := range snap.Accounts {
		if a.Username == "stale" {
			t.Error("stale local state should be wiped by the transfer")
		}
	}

	if view.IsLeader() {
		t.Error("joiner must enter follower mode")
	}
	if view.LeaderAddress() != leaderAddr {
		t.Errorf("expected leader address %s, got %s", leaderAddr, view.LeaderAddress())
	}
	// The lease must be fresh so the joiner does not immediately elect itself.
	if view.LeaseAge() > time.Second {
		t.Error("join must renew the lease")
	}
}

func TestJoin_NoLeaderFound(t *testing.T) {
	// A follower that knows no leader.
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.PathGetLeaderInfo, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpc.GetLeaderInfoResponse{
			Success:       true,
			LeaderAddress: rpc.UnknownLeader,
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	view := NewView(4, "localhost:50054", false, nil)
	st := NewStateTransfer(view, openClusterStore(t), rpc.NewClient(), newTestCollector(t))

	err := st.Join(context.Background(), []string{strings.TrimPrefix(ts.URL, "http://")}, JoinTiming{
		ProbeTimeout: 500 * time.Millisecond,
		LookupBudget: time.Second,
	})
	if err == nil {
		t.Fatal("expected join to fail when no candidate reports a leader")
	}
}

func TestReplicator_DeliversToPeer(t *testing.T) {
	// A fake peer recording replicated operations.
	received := make(chan rpc.ReplicateOperationRequest, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.PathReplicateOperation, func(w http.ResponseWriter, r *http.Request) {
		var req rpc.ReplicateOperationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		received <- req
		_ = json.NewEncoder(w).Encode(rpc.ReplicateOperationResponse{Success: true})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	peerAddr := strings.TrimPrefix(ts.URL, "http://")

	myAddr := "localhost:59990"
	view := NewView(1, myAddr, true, []string{myAddr, peerAddr})
	repl := NewReplicator(view, rpc.NewClient(), time.Second, newTestCollector(t))

	repl.Replicate(rpc.Record("create_account", `{"username":"alice","password":"h1"}`))

	select {
	case req := <-received:
		if req.OperationType != "create_account" {
			t.Errorf("unexpected operation type %q", req.OperationType)
		}
		if !strings.Contains(req.Data, "alice") {
			t.Errorf("payload not forwarded: %q", req.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replication record never reached the peer")
	}
}
