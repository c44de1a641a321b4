package rpc

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/replichat/replichat/internal/replication"
)

// ChatHandler is the chat operation layer as seen by the RPC server.
type ChatHandler interface {
	CreateAccount(*CreateAccountRequest) *CreateAccountResponse
	Login(*LoginRequest) *LoginResponse
	ListAccounts(*ListAccountsRequest) *ListAccountsResponse
	SendMessage(*SendMessageRequest) *SendMessageResponse
	ReadNewMessages(*ReadNewMessagesRequest) *ReadNewMessagesResponse
	ListMessages(*ListMessagesRequest) *ListMessagesResponse
	DeleteMessages(*DeleteMessagesRequest) *DeleteMessagesResponse
	DeleteAccount(*DeleteAccountRequest) *DeleteAccountResponse
}

// ClusterHandler is the membership/election layer as seen by the RPC server.
type ClusterHandler interface {
	HandleHeartbeat(*HeartbeatRequest) *HeartbeatResponse
	HandleElection(*ElectionRequest) *ElectionResponse
	LeaderInfo() *GetLeaderInfoResponse
}

// JoinHandler serves state transfers to joining replicas.
type JoinHandler interface {
	ServeJoin(*JoinClusterRequest) *JoinClusterResponse
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// Address to bind the server to (host:port).
	Address string `yaml:"address" json:"address"`

	// MaxWorkers bounds the number of concurrently served requests.
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:50051",
		MaxWorkers:   10,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes every replichat operation as a typed JSON-over-HTTP endpoint.
type Server struct {
	httpServer *http.Server
	config     ServerConfig

	chat    ChatHandler
	cluster ClusterHandler
	join    JoinHandler
	applier *replication.Applier

	// workers is a semaphore bounding concurrent request handling.
	workers chan struct{}
}

// NewServer creates an RPC server wiring the chat, cluster, and join handlers
// plus the replication applier for inbound records.
func NewServer(config ServerConfig, chat ChatHandler, cluster ClusterHandler, join JoinHandler, applier *replication.Applier) *Server {
	if config.MaxWorkers < 10 {
		config.MaxWorkers = 10
	}

	s := &Server{
		config:  config,
		chat:    chat,
		cluster: cluster,
		join:    join,
		applier: applier,
		workers: make(chan struct{}, config.MaxWorkers),
	}

	mux := http.NewServeMux()

	// Client-facing endpoints
	mux.HandleFunc(PathCreateAccount, handle(s, func(req *CreateAccountRequest) interface{} { return s.chat.CreateAccount(req) }))
	mux.HandleFunc(PathLogin, handle(s, func(req *LoginRequest) interface{} { return s.chat.Login(req) }))
	mux.HandleFunc(PathListAccounts, handle(s, func(req *ListAccountsRequest) interface{} { return s.chat.ListAccounts(req) }))
	mux.HandleFunc(PathSendMessage, handle(s, func(req *SendMessageRequest) interface{} { return s.chat.SendMessage(req) }))
	mux.HandleFunc(PathReadNewMessages, handle(s, func(req *ReadNewMessagesRequest) interface{} { return s.chat.ReadNewMessages(req) }))
	mux.HandleFunc(PathListMessages, handle(s, func(req *ListMessagesRequest) interface{} { return s.chat.ListMessages(req) }))
	mux.HandleFunc(PathDeleteMessages, handle(s, func(req *DeleteMessagesRequest) interface{} { return s.chat.DeleteMessages(req) }))
	mux.HandleFunc(PathDeleteAccount, handle(s, func(req *DeleteAccountRequest) interface{} { return s.chat.DeleteAccount(req) }))
	mux.HandleFunc(PathGetLeaderInfo, handle(s, func(req *GetLeaderInfoRequest) interface{} { return s.cluster.LeaderInfo() }))

	// Replica-to-replica endpoints
	mux.HandleFunc(PathHeartbeat, handle(s, func(req *HeartbeatRequest) interface{} { return s.cluster.HandleHeartbeat(req) }))
	mux.HandleFunc(PathElection, handle(s, func(req *ElectionRequest) interface{} { return s.cluster.HandleElection(req) }))
	mux.HandleFunc(PathReplicateOperation, handle(s, s.handleReplicate))
	mux.HandleFunc(PathJoinCluster, handle(s, func(req *JoinClusterRequest) interface{} { return s.join.ServeJoin(req) }))

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// handleReplicate applies an inbound replication record. Failures become
// structured responses; the sending leader logs and ignores them.
func (s *Server) handleReplicate(req *ReplicateOperationRequest) interface{} {
	opType := replication.OpType(req.OperationType)
	if !opType.Valid() {
		return &ReplicateOperationResponse{Success: false, Message: "unknown operation type"}
	}

	rec := Record(opType, req.Data)
	if err := s.applier.Apply(rec); err != nil {
		log.Printf("rpc: replication apply of %s failed: %v", req.OperationType, err)
		return &ReplicateOperationResponse{Success: false, Message: err.Error()}
	}
	return &ReplicateOperationResponse{Success: true}
}

// Record builds a replication record from wire fields.
func Record(opType replication.OpType, data string) replication.Record {
	return replication.Record{Type: opType, Data: json.RawMessage(data)}
}

// handle adapts a typed handler function to an http.HandlerFunc: decode the
// JSON request, run the handler inside the worker pool, encode the response.
func handle[Req any](s *Server, fn func(*Req) interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		// Bounded worker pool: block until a slot frees or the client goes away.
		select {
		case s.workers <- struct{}{}:
			defer func() { <-s.workers }()
		case <-r.Context().Done():
			return
		}

		resp := fn(&req)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("rpc: failed to encode response for %s: %v", r.URL.Path, err)
		}
	}
}

// loggingMiddleware logs each request with its duration and request id.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if reqID := r.Header.Get(requestIDHeader); reqID != "" {
			log.Printf("rpc: %s %s (%v) [%s]", r.Method, r.URL.Path, time.Since(start), reqID)
		} else {
			log.Printf("rpc: %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	log.Printf("rpc: server listening on %s", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("rpc: server error: %v", err)
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("rpc: shutting down server")
	return s.httpServer.Shutdown(ctx)
}
