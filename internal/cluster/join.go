package cluster

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/replichat/replichat/internal/metrics"
	"github.com/replichat/replichat/internal/rpc"
	"github.com/replichat/replichat/internal/store"
	"github.com/replichat/replichat/pkg/errors"
)

// JoinTiming bounds the join procedure: each leader-discovery probe, the
// overall discovery budget, and the state-transfer call itself.
type JoinTiming struct {
	ProbeTimeout    time.Duration
	LookupBudget    time.Duration
	TransferTimeout time.Duration
}

// StateTransfer implements both sides of the dynamic-join procedure: the
// leader serving its full store as a snapshot, and a joiner locating the
// leader and installing the returned snapshot wholesale.
type StateTransfer struct {
	view    *View
	store   *store.Store
	client  *rpc.Client
	metrics *metrics.Collector
}

// NewStateTransfer creates a state transfer helper.
func NewStateTransfer(view *View, s *store.Store, client *rpc.Client, collector *metrics.Collector) *StateTransfer {
	return &StateTransfer{view: view, store: s, client: client, metrics: collector}
}

// ServeJoin handles a JoinCluster request on the leader: register the new
// replica address and return the full store snapshot.
func (st *StateTransfer) ServeJoin(req *rpc.JoinClusterRequest) *rpc.JoinClusterResponse {
	st.view.AddReplica(req.NewServerAddress)

	snap, err := st.store.Snapshot()
	if err != nil {
		log.Printf("join: failed to snapshot store: %v", err)
		return &rpc.JoinClusterResponse{Success: false, Message: err.Error()}
	}

	state, err := json.Marshal(snap)
	if err != nil {
		log.Printf("join: failed to serialize snapshot: %v", err)
		return &rpc.JoinClusterResponse{Success: false, Message: err.Error()}
	}

	st.metrics.ObserveJoinTransfer()
	return &rpc.JoinClusterResponse{
		Success: true,
		State:   string(state),
		Message: "State transfer complete",
	}
}

// Join runs the joining side: probe all candidates in parallel to locate the
// leader, request a snapshot from it, and replace the local store contents.
// On success the lease is renewed so the joiner does not immediately start an
// election, and the replica enters follower mode.
func (st *StateTransfer) Join(ctx context.Context, candidates []string, timing JoinTiming) error {
	if timing.ProbeTimeout <= 0 {
		timing.ProbeTimeout = 2 * time.Second
	}
	if timing.LookupBudget <= 0 {
		timing.LookupBudget = 5 * time.Second
	}
	if timing.TransferTimeout <= 0 {
		timing.TransferTimeout = 3 * time.Second
	}

	leaderAddr, err := st.findLeader(ctx, candidates, timing)
	if err != nil {
		return err
	}
	log.Printf("join: found leader at %s", leaderAddr)

	resp, err := st.client.JoinCluster(ctx, leaderAddr,
		&rpc.JoinClusterRequest{NewServerAddress: st.view.MyAddress()}, timing.TransferTimeout)
	if err != nil {
		return errors.NewError(errors.ErrCodeJoinFailed, "JoinCluster RPC failed").WithCause(err)
	}
	if !resp.Success {
		return errors.Newf(errors.ErrCodeJoinFailed, "leader refused join: %s", resp.Message)
	}

	var snap store.Snapshot
	if err := json.Unmarshal([]byte(resp.State), &snap); err != nil {
		return errors.NewError(errors.ErrCodeJoinFailed, "malformed state snapshot").WithCause(err)
	}

	if err := st.store.ReplaceAll(&snap); err != nil {
		return errors.NewError(errors.ErrCodeJoinFailed, "failed to install state snapshot").WithCause(err)
	}

	st.view.BecomeFollower(leaderAddr)
	st.view.TouchLease()
	log.Printf("join: state transferred (%d accounts, %d messages), entering follower mode",
		len(snap.Accounts), len(snap.Messages))
	return nil
}

// findLeader scatters GetLeaderInfo to every candidate in parallel and returns
// the first reported leader address. Outstanding probes are cancelled once a
// winner is found or the overall budget expires.
func (st *StateTransfer) findLeader(ctx context.Context, candidates []string, timing JoinTiming) (string, error) {
	if len(candidates) == 0 {
		return "", errors.NewError(errors.ErrCodeJoinFailed, "no candidate addresses configured")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timing.LookupBudget)
	defer cancel()

	results := make(chan string, len(candidates))
	var wg sync.WaitGroup

	for _, addr := range candidates {
		if addr == st.view.MyAddress() {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := st.client.GetLeaderInfo(lookupCtx, addr, timing.ProbeTimeout)
			if err != nil {
				log.Printf("join: probe to %s failed: %v", addr, err)
				return
			}
			if resp.HasLeader() {
				results <- resp.LeaderAddress
			}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case leaderAddr, ok := <-results:
		if !ok {
			return "", errors.NewError(errors.ErrCodeNoLeader, "no leader found among candidate addresses")
		}
		return leaderAddr, nil
	case <-lookupCtx.Done():
		return "", errors.NewError(errors.ErrCodeNoLeader, "leader lookup timed out").WithCause(lookupCtx.Err())
	}
}
