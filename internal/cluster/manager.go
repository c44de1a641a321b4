package cluster

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/replichat/replichat/internal/metrics"
	"github.com/replichat/replichat/internal/rpc"
)

// Timing holds the intervals driving the heartbeat sender and election
// monitor.
type Timing struct {
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	PeerRPCTimeout    time.Duration
}

// Manager runs the cluster background loops for one replica: the heartbeat
// sender while leader and the lease monitor while follower. Both loops run for
// the life of the process and check the current role each tick, so a
// leader/follower transition never races a loop start or stop.
type Manager struct {
	view    *View
	client  *rpc.Client
	timing  Timing
	metrics *metrics.Collector

	electionMu sync.Mutex // one election at a time

	stopCh  chan struct{}
	stopped sync.Once
}

// NewManager creates a cluster manager over the given view.
func NewManager(view *View, client *rpc.Client, timing Timing, collector *metrics.Collector) *Manager {
	if timing.HeartbeatInterval <= 0 {
		timing.HeartbeatInterval = 3 * time.Second
	}
	if timing.LeaseTimeout <= 0 {
		timing.LeaseTimeout = 10 * time.Second
	}
	if timing.PeerRPCTimeout <= 0 {
		timing.PeerRPCTimeout = 2 * time.Second
	}

	return &Manager{
		view:    view,
		client:  client,
		timing:  timing,
		metrics: collector,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background loops.
func (m *Manager) Start(ctx context.Context) {
	log.Printf("cluster: starting manager for server %d (leader=%v)", m.view.ServerID(), m.view.IsLeader())
	m.metrics.SetLeader(m.view.IsLeader())

	go m.heartbeatLoop(ctx)
	go m.monitorLoop(ctx)
}

// Stop terminates the background loops.
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
}

// heartbeatLoop sends heartbeats to every peer while this replica is leader.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.view.IsLeader() {
				m.sendHeartbeats(ctx)
			}
		}
	}
}

// sendHeartbeats fans one heartbeat round out to all peers. Peer failures are
// logged; no failure demotes the leader.
func (m *Manager) sendHeartbeats(ctx context.Context) {
	req := &rpc.HeartbeatRequest{
		LeaderID:      m.view.ServerID(),
		Timestamp:     time.Now().Unix(),
		LeaderAddress: m.view.MyAddress(),
	}

	var wg sync.WaitGroup
	for _, addr := range m.view.Peers() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			_, err := m.client.Heartbeat(ctx, addr, req, m.timing.PeerRPCTimeout)
			m.metrics.ObserveHeartbeat(err == nil)
			if err != nil {
				log.Printf("cluster: heartbeat to %s failed: %v", addr, err)
			}
		}(addr)
	}
	wg.Wait()
}

// monitorLoop watches the leadership lease while this replica is a follower
// and starts an election when it expires.
func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.view.IsLeader() {
				continue
			}
			if m.view.LeaseAge() > m.timing.LeaseTimeout {
				log.Printf("cluster: lease expired on server %d, starting election", m.view.ServerID())
				m.runElection(ctx)
			}
		}
	}
}

// runElection runs one bully-style election round: after a random backoff, ask
// every peer for a vote; any peer with a higher id rejects and the election is
// abandoned. If no peer rejects, this replica becomes leader.
func (m *Manager) runElection(ctx context.Context) {
	m.electionMu.Lock()
	defer m.electionMu.Unlock()

	// Another round may have elected a leader while we waited for the lock.
	if m.view.IsLeader() || m.view.LeaseAge() <= m.timing.LeaseTimeout {
		return
	}

	// Random backoff to avoid simultaneous candidacies.
	backoff := time.Duration(rand.Int63n(int64(2 * time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	case <-time.After(backoff):
	}

	m.metrics.ObserveElection("started")

	req := &rpc.ElectionRequest{CandidateID: m.view.ServerID()}
	rejected := false
	for _, addr := range m.view.Replicas() {
		if addr == m.view.MyAddress() {
			continue
		}
		resp, err := m.client.Election(ctx, addr, req, m.timing.PeerRPCTimeout)
		if err != nil {
			// Unreachable peers cannot reject; they simply don't vote.
			log.Printf("cluster: election RPC to %s failed: %v", addr, err)
			continue
		}
		if !resp.VoteGranted {
			rejected = true
			break
		}
	}

	if rejected {
		m.metrics.ObserveElection("lost")
		log.Printf("cluster: election lost on server %d, remaining follower", m.view.ServerID())
		return
	}

	m.view.BecomeLeader()
	m.metrics.ObserveElection("won")
	m.metrics.SetLeader(true)
	log.Printf("cluster: server %d elected leader", m.view.ServerID())

	// Announce leadership immediately rather than waiting a full interval.
	m.sendHeartbeats(ctx)
}

// HandleHeartbeat processes an inbound leader heartbeat.
func (m *Manager) HandleHeartbeat(req *rpc.HeartbeatRequest) *rpc.HeartbeatResponse {
	m.view.ObserveHeartbeat(req.LeaderAddress)
	if !m.view.IsLeader() {
		m.metrics.SetLeader(false)
	}
	return &rpc.HeartbeatResponse{Success: true}
}

// HandleElection answers a vote request: the vote is granted iff this
// replica's id is at least the candidate's, so the highest live id wins.
func (m *Manager) HandleElection(req *rpc.ElectionRequest) *rpc.ElectionResponse {
	return &rpc.ElectionResponse{VoteGranted: m.view.ServerID() >= req.CandidateID}
}

// LeaderInfo reports this replica's view of the leadership for clients and
// joiners. Followers that have not heard from a leader report "Unknown".
func (m *Manager) LeaderInfo() *rpc.GetLeaderInfoResponse {
	if m.view.IsLeader() {
		return &rpc.GetLeaderInfoResponse{
			Success:          true,
			LeaderAddress:    m.view.MyAddress(),
			Message:          "I am leader",
			ReplicaAddresses: m.view.Replicas(),
		}
	}

	addr := m.view.LeaderAddress()
	if addr == "" {
		addr = rpc.UnknownLeader
	}
	return &rpc.GetLeaderInfoResponse{
		Success:          true,
		LeaderAddress:    addr,
		Message:          "Follower reporting leader info",
		ReplicaAddresses: m.view.Replicas(),
	}
}
