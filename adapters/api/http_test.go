package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/app"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/domain/collab"
	"github.com/codewandler/cimcore/domain/graph"
)

func newTestServer(t *testing.T, cfg app.Config) (*httptest.Server, *app.App) {
	t.Helper()
	cfg.Store = es.NewInMemoryStore()
	host, err := app.Run(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Stop(context.Background()) })

	srv := httptest.NewServer(NewHandler(host, nil))
	t.Cleanup(srv.Close)
	return srv, host
}

func post(t *testing.T, srv *httptest.Server, cmdType, body string) (int, []byte) {
	t.Helper()
	res, err := http.Post(srv.URL+"/commands/"+cmdType, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func get(t *testing.T, srv *httptest.Server, path string, v any) int {
	t.Helper()
	res, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
	return res.StatusCode
}

func TestRoute(t *testing.T) {
	r := route[graph.AddNode]()
	require.Equal(t, "AddNode", r.name)

	cmd, err := r.decode([]byte(`{"data":{"graph_id":"g1","node_id":"n1","node_type":"db","label":"x"}}`))
	require.NoError(t, err)
	require.Equal(t, graph.AddNode{GraphID: "g1", NodeID: "n1", NodeType: "db", Label: "x"}, cmd)

	_, err = r.decode([]byte(`{"data":`))
	require.ErrorContains(t, err, "cmd:request(AddNode)")
}

func TestHandler_Graph(t *testing.T) {
	srv, _ := newTestServer(t, app.Config{})

	status, body := post(t, srv, "CreateGraph", `{"data":{"graph_id":"g1","name":"Shop"}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	var events []es.Envelope
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	require.Equal(t, es.Version(1), events[0].Version)

	status, body = post(t, srv, "AddNode", `{"data":{"graph_id":"g1","node_id":"n2","node_type":"service","label":"api"}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = post(t, srv, "AddNode", `{"data":{"graph_id":"g1","node_id":"n1","node_type":"db","label":"orders"}}`)
	require.Equal(t, http.StatusOK, status, string(body))

	var g graphResponse
	require.Equal(t, http.StatusOK, get(t, srv, "/graphs/g1", &g))
	require.Equal(t, "Shop", g.Name)
	require.Equal(t, es.Version(3), g.Version)
	require.Len(t, g.Nodes, 2)
	require.Equal(t, "n1", g.Nodes[0].ID)

	var e errorResponse
	require.Equal(t, http.StatusNotFound, get(t, srv, "/graphs/missing", &e))

	status, body = post(t, srv, "CreateGraph", `{"data":{"graph_id":"g1","name":"Shop"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "aggregate_exists", e.Rule)
}

func TestHandler_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, app.Config{})

	status, _ := post(t, srv, "LaunchRocket", `{}`)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = post(t, srv, "AddNode", `not json`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHandler_Sessions(t *testing.T) {
	srv, host := newTestServer(t, app.Config{})

	status, body := post(t, srv, "JoinSession", `{"data":{"graph_id":"g1","user_id":"u1","user_name":"Ada"}}`)
	require.Equal(t, http.StatusOK, status, string(body))

	require.Eventually(t, func() bool {
		return len(host.Sessions().GraphSessions("g1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var sessions []sessionResponse
	require.Equal(t, http.StatusOK, get(t, srv, "/graphs/g1/sessions", &sessions))
	require.Len(t, sessions, 1)
	require.Equal(t, "u1", sessions[0].Users[0].UserID)
	sessionID := sessions[0].ID

	status, _ = post(t, srv, "StartEditing", `{"data":{"session_id":"`+sessionID+`","user_id":"u1","element":{"element_type":"node","element_id":"n1"}}}`)
	require.Equal(t, http.StatusOK, status)

	status, _ = post(t, srv, "JoinSession", `{"data":{"graph_id":"g1","user_id":"u2"}}`)
	require.Equal(t, http.StatusOK, status)
	status, body = post(t, srv, "StartEditing", `{"data":{"session_id":"`+sessionID+`","user_id":"u2","element":{"element_type":"node","element_id":"n1"}}}`)
	require.Equal(t, http.StatusConflict, status, string(body))

	status, _ = post(t, srv, "LeaveSession", `{"data":{"session_id":"`+sessionID+`","user_id":"nobody"}}`)
	require.Equal(t, http.StatusNotFound, status)
}

func TestHandler_NotOwner(t *testing.T) {
	members := []string{"a", "b"}
	srv, _ := newTestServer(t, app.Config{Collab: app.CollabOptions{NodeID: "a", Members: members}})

	var graphID string
	for i := 0; graphID == ""; i++ {
		if owner, _ := collab.Owner(fmt.Sprintf("g%d", i), members); owner == "b" {
			graphID = fmt.Sprintf("g%d", i)
		}
	}

	status, body := post(t, srv, "JoinSession", `{"data":{"graph_id":"`+graphID+`","user_id":"u1"}}`)
	require.Equal(t, http.StatusMisdirectedRequest, status)
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "b", e.Owner)
}
