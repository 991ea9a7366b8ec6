// Package rest serves a read-only HTTP view of the peer registry.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"lanmesh/datamodel/peer"
	"lanmesh/oid"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// PeerSource is satisfied by *node.Node.
type PeerSource interface {
	Peers(ctx context.Context) ([]peer.Record, error)
	Peer(ctx context.Context, id oid.Oid) (peer.Record, bool, error)
}

type Server struct {
	self    oid.Oid
	addrs   []string
	peers   PeerSource
	router  *mux.Router
	started time.Time

	// Concurrent list and health requests share one registry query
	sg singleflight.Group
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type PeersResponse struct {
	Self  oid.Oid       `json:"self"`
	Peers []peer.Record `json:"peers"`
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Self      oid.Oid        `json:"self"`
	Addresses []string       `json:"addresses"`
	Peers     map[string]int `json:"peers"` // count by state
	Uptime    string         `json:"uptime"`
}

func NewServer(self oid.Oid, addrs []string, peers PeerSource) *Server {
	s := &Server{
		self:    self,
		addrs:   addrs,
		peers:   peers,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/peers", s.listPeers).Methods("GET")
	s.router.HandleFunc("/peers/{id}", s.getPeer).Methods("GET")
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnf("rest: shutdown: %v", err)
		}
	})
	defer stop()

	log.Infof("REST API listening on %s", l.Addr())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// snapshot returns the full peer list. Callers share the result and must not modify it.
func (s *Server) snapshot(ctx context.Context) ([]peer.Record, error) {
	v, err, _ := s.sg.Do("peers", func() (any, error) {
		return s.peers.Peers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]peer.Record), nil
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Registry unavailable", err)
		return
	}
	if peers == nil {
		peers = []peer.Record{}
	}
	s.writeJSON(w, http.StatusOK, PeersResponse{Self: s.self, Peers: peers})
}

func (s *Server) getPeer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := oid.FromString(vars["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid peer id", err)
		return
	}

	rec, ok, err := s.peers.Peer(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Registry unavailable", err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "Unknown peer "+id.String(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	peers, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Registry unavailable", err)
		return
	}

	counts := make(map[string]int)
	for _, p := range peers {
		counts[p.State.String()]++
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Self:      s.self,
		Addresses: s.addrs,
		Peers:     counts,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("rest: failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
		log.Warnf("rest: %s", errorMsg)
	}

	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: errorMsg,
	})
}
