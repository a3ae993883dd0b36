package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/grid"
	"github.com/IvanBrykalov/shardgrid/peek"
)

// api serves read-only accounting queries:
//
//	GET /caches
//	GET /caches/{cache}/size[?modes=primary,swap][&partition=3][&scope=local]
//	GET /caches/{cache}/peek/{key}[?modes=near]
type api struct {
	node *grid.Node
	log  *zap.Logger
}

func newAPI(node *grid.Node, log *zap.Logger) *api { return &api{node: node, log: log} }

func (a *api) register(r *mux.Router) {
	r.HandleFunc("/caches", a.caches).Methods("GET")
	r.HandleFunc("/caches/{cache}/size", a.size).Methods("GET")
	r.HandleFunc("/caches/{cache}/peek/{key}", a.peek).Methods("GET")
}

type sizeResponse struct {
	Cache     string `json:"cache"`
	Scope     string `json:"scope"`
	Partition int    `json:"partition"`
	Modes     string `json:"modes"`
	Size      int64  `json:"size"`
}

type peekResponse struct {
	Cache string `json:"cache"`
	Key   string `json:"key"`
	Found bool   `json:"found"`
	Value []byte `json:"value,omitempty"`
}

type errorResponse struct {
	Error string            `json:"error"`
	Nodes []affinity.NodeID `json:"failedNodes,omitempty"`
}

func (a *api) caches(w http.ResponseWriter, r *http.Request) {
	a.write(w, http.StatusOK, a.node.Caches())
}

func (a *api) size(w http.ResponseWriter, r *http.Request) {
	c, modes, ok := a.query(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	partition := grid.AllPartitions
	if s := q.Get("partition"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			a.fail(w, errors.Wrap(grid.ErrInvalidPartition, s))
			return
		}
		partition = p
	}

	resp := sizeResponse{Cache: c.Name(), Scope: "cluster", Partition: partition, Modes: strings.Join(peek.Strings(modes), ",")}
	var err error
	if q.Get("scope") == "local" {
		resp.Scope = "local"
		resp.Size, err = c.LocalSizeLong(partition, modes...)
	} else {
		resp.Size, err = c.SizeLong(r.Context(), partition, modes...)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, resp)
}

func (a *api) peek(w http.ResponseWriter, r *http.Request) {
	c, modes, ok := a.query(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	v, found, err := c.Peek(key, modes...)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, peekResponse{Cache: c.Name(), Key: key, Found: found, Value: v})
}

func (a *api) query(w http.ResponseWriter, r *http.Request) (*grid.Cache, []peek.Mode, bool) {
	c, err := a.node.Cache(mux.Vars(r)["cache"])
	if err != nil {
		a.fail(w, err)
		return nil, nil, false
	}
	var tokens []string
	if s := r.URL.Query().Get("modes"); s != "" {
		tokens = strings.Split(s, ",")
	}
	modes, err := peek.ParseModes(tokens...)
	if err != nil {
		a.fail(w, err)
		return nil, nil, false
	}
	return c, modes, true
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}
	var pf *grid.PartialAggregationFailure
	switch {
	case errors.Is(err, grid.ErrCacheNotFound):
		status = http.StatusNotFound
	case errors.Is(err, grid.ErrCacheStopped):
		status = http.StatusGone
	case errors.Is(err, peek.ErrInvalidModeCombination), errors.Is(err, grid.ErrInvalidPartition):
		status = http.StatusBadRequest
	case errors.As(err, &pf):
		status = http.StatusBadGateway
		body.Nodes = pf.Nodes
	}
	if status >= http.StatusInternalServerError {
		a.log.Warn("query failed", zap.Error(err))
	}
	a.write(w, status, body)
}

func (a *api) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug("write response", zap.Error(err))
	}
}
