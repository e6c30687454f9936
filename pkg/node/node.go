package node

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrttl/internal/telemetry"
	"github.com/ryandielhenn/zephyrttl/pkg/ttl"
)

type Node struct {
	db      *ttl.DB
	addr    string
	prefix  string
	backend string
	log     *zap.Logger
	stats   *SweepStats
	router  *mux.Router
	started time.Time
}

type Option func(*Node)

// WithPrefix mounts every route below prefix, e.g. "/ttl".
func WithPrefix(prefix string) Option {
	return func(n *Node) { n.prefix = prefix }
}

func WithBackend(name string) Option {
	return func(n *Node) { n.backend = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithSweepStats reports stats on /info. Pass stats.Observe to
// ttl.WithSweepHook so it sees every cycle.
func WithSweepStats(stats *SweepStats) Option {
	return func(n *Node) { n.stats = stats }
}

func NewNode(db *ttl.DB, addr string, opts ...Option) *Node {
	n := &Node{
		db:      db,
		addr:    NormalizeHostPort(addr, "8080"),
		log:     zap.NewNop(),
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	for _, o := range opts {
		o(n)
	}
	n.routes()
	return n
}

func (n *Node) Addr() string {
	return n.addr
}

// Handler serves all routes.
func (n *Node) Handler() http.Handler {
	return n.router
}

func (n *Node) routes() {
	r := n.router
	if n.prefix != "" {
		r = r.PathPrefix(n.prefix).Subrouter()
	}
	r.Use(telemetry.Middleware)

	r.HandleFunc("/healthz", n.Healthz).Methods(http.MethodGet).Name("healthz")
	r.HandleFunc("/info", n.Info).Methods(http.MethodGet).Name("info")
	r.Handle("/metrics", telemetry.MetricsHandler()).Methods(http.MethodGet).Name("metrics")

	r.HandleFunc("/kv/{key:.+}", n.Put).Methods(http.MethodPut, http.MethodPost).Name("put")
	r.HandleFunc("/kv/{key:.+}", n.Get).Methods(http.MethodGet).Name("get")
	r.HandleFunc("/kv/{key:.+}", n.Del).Methods(http.MethodDelete).Name("delete")

	r.HandleFunc("/ttl/{key:.+}", n.SetTTL).Methods(http.MethodPut, http.MethodPost).Name("set_ttl")
	r.HandleFunc("/ttl/{key:.+}", n.GetTTL).Methods(http.MethodGet).Name("get_ttl")
	r.HandleFunc("/ttl/{key:.+}", n.ClearTTL).Methods(http.MethodDelete).Name("clear_ttl")

	r.HandleFunc("/sweep", n.Sweep).Methods(http.MethodPost).Name("sweep")
}

// SweepStats keeps a running summary of sweep cycles.
type SweepStats struct {
	mu      sync.Mutex
	cycles  int
	expired int
	stale   int
	last    ttl.SweepResult
}

func NewSweepStats() *SweepStats {
	return &SweepStats{}
}

// Observe records one cycle. It has the signature of a ttl sweep hook.
func (s *SweepStats) Observe(res ttl.SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.expired += res.Expired
	s.stale += res.Stale
	s.last = res
}

type sweepSummary struct {
	Cycles    int       `json:"cycles"`
	Expired   int       `json:"expired"`
	Stale     int       `json:"stale"`
	LastAt    time.Time `json:"last_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *SweepStats) summary() sweepSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := sweepSummary{
		Cycles:  s.cycles,
		Expired: s.expired,
		Stale:   s.stale,
		LastAt:  s.last.Now,
	}
	if s.last.Err != nil {
		out.LastError = s.last.Err.Error()
	}
	return out
}
