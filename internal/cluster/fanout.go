package cluster

import (
	"context"
	"log"
	"time"

	"github.com/replichat/replichat/internal/circuit"
	"github.com/replichat/replichat/internal/metrics"
	"github.com/replichat/replichat/internal/replication"
	"github.com/replichat/replichat/internal/rpc"
)

// Replicator fans committed leader writes out to all peer replicas. Fan-out is
// best-effort: peer failures are logged and counted, never surfaced to the
// client, and the leader's commit is never rolled back. A per-peer circuit
// breaker keeps a dead peer from stalling every write for the full timeout.
type Replicator struct {
	view     *View
	client   *rpc.Client
	timeout  time.Duration
	breakers *circuit.Manager
	metrics  *metrics.Collector
}

// NewReplicator creates a replicator over the given view.
func NewReplicator(view *View, client *rpc.Client, timeout time.Duration, collector *metrics.Collector) *Replicator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Replicator{
		view:    view,
		client:  client,
		timeout: timeout,
		breakers: circuit.NewManager(circuit.Config{
			FailureThreshold: 3,
			Timeout:          10 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				log.Printf("replication: breaker for peer %s %s -> %s", name, from, to)
			},
		}),
		metrics: collector,
	}
}

// Replicate sends the record to every peer except this replica, in parallel,
// each attempt bounded by the peer timeout. It returns immediately; delivery
// happens in the background.
func (r *Replicator) Replicate(rec replication.Record) {
	req := &rpc.ReplicateOperationRequest{
		OperationType: string(rec.Type),
		Data:          string(rec.Data),
	}

	for _, addr := range r.view.Replicas() {
		if addr == r.view.MyAddress() {
			continue
		}
		go r.replicateTo(addr, req)
	}
}

func (r *Replicator) replicateTo(addr string, req *rpc.ReplicateOperationRequest) {
	breaker := r.breakers.GetBreaker(addr)
	err := breaker.Execute(func() error {
		resp, err := r.client.ReplicateOperation(context.Background(), addr, req, r.timeout)
		if err != nil {
			return err
		}
		if !resp.Success {
			// A follower reject (e.g. duplicate account) is the cluster's
			// divergence point; record it but treat the peer as healthy.
			log.Printf("replication: peer %s rejected %s: %s", addr, req.OperationType, resp.Message)
		}
		return nil
	})

	r.metrics.ObserveReplication(err == nil)
	if err != nil {
		log.Printf("replication: %s to %s failed: %v", req.OperationType, addr, err)
	}
}
