package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
	"github.com/ryandielhenn/zephyrttl/pkg/ttl"
)

// healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// info writes a JSON payload with the process ID, current time, backend and
// sweep statistics.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int           `json:"pid"`
		Addr    string        `json:"addr"`
		Now     time.Time     `json:"now"`
		Uptime  string        `json:"uptime"`
		Backend string        `json:"backend,omitempty"`
		Sweeps  *sweepSummary `json:"sweeps,omitempty"`
	}
	out := resp{
		PID:     os.Getpid(),
		Addr:    n.addr,
		Now:     time.Now(),
		Uptime:  time.Since(n.started).Round(time.Second).String(),
		Backend: n.backend,
	}
	if n.stats != nil {
		s := n.stats.summary()
		out.Sweeps = &s
	}
	writeJSON(w, http.StatusOK, out)
}

// put stores the request body under the key. ?ttl= sets its expiry; without
// it the configured default TTL applies, and ttl=0 stores it without one.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []ttl.WriteOption
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		d, err := ParseTTL(ttlStr)
		if err != nil {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		opts = append(opts, ttl.WithTTL(d))
	}
	if err := n.db.Put(req.Context(), []byte(key), val, opts...); err != nil {
		n.fail(w, "put", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// get returns the value for a key
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	val, err := n.db.Get(req.Context(), []byte(key))
	if err != nil {
		n.fail(w, "get", key, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// del removes a key and its expiry
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	if err := n.db.Delete(req.Context(), []byte(key)); err != nil {
		n.fail(w, "delete", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTTL gives an existing key the expiry in ?ttl=, keeping its value.
func (n *Node) SetTTL(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	d, err := ParseTTL(req.URL.Query().Get("ttl"))
	if err != nil || d <= 0 {
		http.Error(w, "invalid ttl", http.StatusBadRequest)
		return
	}
	if _, err := n.db.Get(req.Context(), []byte(key)); err != nil {
		n.fail(w, "set_ttl", key, err)
		return
	}
	if err := n.db.SetTTL(req.Context(), []byte(key), d); err != nil {
		n.fail(w, "set_ttl", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTTL reports the time left before a key expires.
func (n *Node) GetTTL(w http.ResponseWriter, req *http.Request) {
	type resp struct {
		Key         string `json:"key"`
		HasTTL      bool   `json:"has_ttl"`
		RemainingMS int64  `json:"remaining_ms,omitempty"`
	}
	key := mux.Vars(req)["key"]
	left, ok, err := n.db.TTL(req.Context(), []byte(key))
	if err != nil {
		n.fail(w, "get_ttl", key, err)
		return
	}
	out := resp{Key: key, HasTTL: ok}
	if ok {
		out.RemainingMS = max(left.Milliseconds(), 0)
	}
	writeJSON(w, http.StatusOK, out)
}

// ClearTTL makes a key persistent.
func (n *Node) ClearTTL(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	if err := n.db.ClearTTL(req.Context(), []byte(key)); err != nil {
		n.fail(w, "clear_ttl", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sweep runs one expiry sweep immediately.
func (n *Node) Sweep(w http.ResponseWriter, req *http.Request) {
	type resp struct {
		Scanned    int     `json:"scanned"`
		Expired    int     `json:"expired"`
		Stale      int     `json:"stale"`
		DurationMS float64 `json:"duration_ms"`
	}
	res, err := n.db.Sweep(req.Context())
	if err != nil {
		n.fail(w, "sweep", "", err)
		return
	}
	writeJSON(w, http.StatusOK, resp{
		Scanned:    res.Scanned,
		Expired:    res.Expired,
		Stale:      res.Stale,
		DurationMS: float64(res.Duration.Microseconds()) / 1000,
	})
}

func (n *Node) fail(w http.ResponseWriter, op, key string, err error) {
	switch {
	case errors.Is(err, kv.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ttl.ErrEmptyKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ttl.ErrSweepInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ttl.ErrClosed), errors.Is(err, ttl.ErrStopped), errors.Is(err, kv.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		n.log.Error("request failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
