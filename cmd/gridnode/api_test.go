package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/grid"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
	"github.com/IvanBrykalov/shardgrid/transport/inproc"
)

func newTestServer(t *testing.T) (*httptest.Server, *inproc.Network) {
	t.Helper()
	members := cluster.NewMembership(nil)
	net := inproc.NewNetwork()
	var nodes []*grid.Node
	for _, id := range []affinity.NodeID{"a", "b"} {
		n, err := grid.NewNode(grid.Options{ID: id, Membership: members, Transport: net.Transport(id)})
		require.NoError(t, err)
		net.Register(id, n)
		nodes = append(nodes, n)
		t.Cleanup(func() { _ = n.Close() })
	}
	members.Join(cluster.Member{ID: "a"}, cluster.Member{ID: "b"})

	req := lifecycle.Start(lifecycle.StartConfig{Name: "c", Mode: lifecycle.Replicated, Partitions: 4})
	for _, n := range nodes {
		require.NoError(t, n.Apply(req))
	}
	c, err := nodes[0].Cache("c")
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "k", []byte("v")))

	router := mux.NewRouter()
	newAPI(nodes[0], zap.NewNop()).register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, net
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestAPI_Size(t *testing.T) {
	srv, _ := newTestServer(t)

	var sr sizeResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/caches/c/size", &sr))
	assert.EqualValues(t, 2, sr.Size)
	assert.Equal(t, "cluster", sr.Scope)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/caches/c/size?scope=local&modes=primary,backup", &sr))
	assert.EqualValues(t, 1, sr.Size)
	assert.Equal(t, "PRIMARY,BACKUP", sr.Modes)
}

func TestAPI_Caches(t *testing.T) {
	srv, _ := newTestServer(t)

	var names []string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/caches", &names))
	assert.Equal(t, []string{"c"}, names)
}

func TestAPI_Peek(t *testing.T) {
	srv, _ := newTestServer(t)

	var pr peekResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/caches/c/peek/k", &pr))
	assert.True(t, pr.Found)
	assert.Equal(t, []byte("v"), pr.Value)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/caches/c/peek/k?modes=swap", &pr))
	assert.False(t, pr.Found)
}

func TestAPI_Errors(t *testing.T) {
	srv, net := newTestServer(t)

	var er errorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/caches/nope/size", &er))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/caches/c/size?modes=bogus", &er))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/caches/c/size?partition=x", &er))

	net.Kill("b")
	er = errorResponse{}
	assert.Equal(t, http.StatusBadGateway, getJSON(t, srv.URL+"/caches/c/size", &er))
	assert.Equal(t, "b", string(er.Nodes[0]))
}
