// Package cluster maintains each replica's view of the cluster (leadership,
// peers, lease state), runs the heartbeat sender and election monitor, fans
// replicated operations out to peers, and implements the dynamic join / state
// transfer procedure.
package cluster

import (
	"log"
	"sync"
	"time"
)

// View is one replica's mutable view of the cluster. It is shared between the
// RPC handlers and the background loops; every mutable field is guarded by the
// mutex, while serverID and myAddress are fixed at construction.
type View struct {
	mu sync.RWMutex

	serverID  int
	myAddress string

	isLeader      bool
	leaderAddress string
	replicas      []string
	lastHeartbeat time.Time
}

// NewView creates a view for this replica. replicaAddresses is the configured
// peer set; it may include this replica's own address.
func NewView(serverID int, myAddress string, initialLeader bool, replicaAddresses []string) *View {
	v := &View{
		serverID:      serverID,
		myAddress:     myAddress,
		isLeader:      initialLeader,
		replicas:      append([]string(nil), replicaAddresses...),
		lastHeartbeat: time.Now(),
	}
	if initialLeader {
		v.leaderAddress = myAddress
	}
	return v
}

// ServerID returns this replica's election priority.
func (v *View) ServerID() int {
	return v.serverID
}

// MyAddress returns this replica's serve address.
func (v *View) MyAddress() string {
	return v.myAddress
}

// IsLeader reports whether this replica currently considers itself leader.
func (v *View) IsLeader() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.isLeader
}

// LeaderAddress returns the current leader address, or "" when unknown.
func (v *View) LeaderAddress() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.leaderAddress
}

// BecomeLeader transitions this replica to leader.
func (v *View) BecomeLeader() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isLeader {
		log.Printf("cluster: server %d transitioning to leader", v.serverID)
	}
	v.isLeader = true
	v.leaderAddress = v.myAddress
}

// BecomeFollower transitions this replica to follower, recording the leader
// address when known.
func (v *View) BecomeFollower(leaderAddress string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.isLeader {
		log.Printf("cluster: server %d stepping down to follower", v.serverID)
	}
	v.isLeader = false
	if leaderAddress != "" {
		v.leaderAddress = leaderAddress
	}
}

// ObserveHeartbeat records an inbound leader heartbeat: it renews the lease
// and refreshes the leader address.
func (v *View) ObserveHeartbeat(leaderAddress string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lastHeartbeat = time.Now()
	if leaderAddress != "" {
		v.leaderAddress = leaderAddress
		if leaderAddress != v.myAddress {
			v.isLeader = false
		}
	}
}

// TouchLease renews the lease without changing the leader address. A joiner
// calls this after state transfer so it does not immediately start an
// election.
func (v *View) TouchLease() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastHeartbeat = time.Now()
}

// LeaseAge returns the time elapsed since the last inbound heartbeat.
func (v *View) LeaseAge() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Since(v.lastHeartbeat)
}

// Replicas returns a copy of the known replica address set.
func (v *View) Replicas() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.replicas...)
}

// Peers returns the replica addresses excluding this replica's own.
func (v *View) Peers() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	peers := make([]string, 0, len(v.replicas))
	for _, addr := range v.replicas {
		if addr != v.myAddress {
			peers = append(peers, addr)
		}
	}
	return peers
}

// AddReplica registers a new replica address if absent. Returns true when the
// address was added.
func (v *View) AddReplica(addr string) bool {
	if addr == "" {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, existing := range v.replicas {
		if existing == addr {
			return false
		}
	}
	v.replicas = append(v.replicas, addr)
	log.Printf("cluster: new replica %s registered", addr)
	return true
}
