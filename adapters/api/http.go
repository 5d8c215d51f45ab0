package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/codewandler/cimcore/core/app"
	"github.com/codewandler/cimcore/core/cqrs"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/domain/collab"
	"github.com/codewandler/cimcore/domain/graph"
)

const maxBodySize = 1 << 20

// Host is the part of app.App the handler needs.
type Host interface {
	Execute(ctx context.Context, cmd any) (app.Reply, error)
	Graphs() *cqrs.Handler[*graph.Graph]
	Sessions() *collab.ActiveSessionsProjection
}

type (
	errorResponse struct {
		Error string `json:"error"`
		// Rule is set for rejected commands.
		Rule string `json:"rule,omitempty"`
		// Owner is set when another member owns the graph.
		Owner string `json:"owner,omitempty"`
	}

	graphResponse struct {
		ID          string        `json:"id"`
		Version     es.Version    `json:"version"`
		Name        string        `json:"name"`
		Description string        `json:"description,omitempty"`
		Tags        []string      `json:"tags"`
		Deleted     bool          `json:"deleted,omitempty"`
		Nodes       []*graph.Node `json:"nodes"`
		Edges       []*graph.Edge `json:"edges"`
	}

	sessionResponse struct {
		ID      string            `json:"id"`
		GraphID string            `json:"graph_id"`
		Version es.Version        `json:"version"`
		Users   []collab.Presence `json:"users"`
		Locks   []collab.Lock     `json:"locks"`
	}
)

var commandRoutes = []commandRoute{
	route[graph.CreateGraph](),
	route[graph.RenameGraph](),
	route[graph.TagGraph](),
	route[graph.UntagGraph](),
	route[graph.DeleteGraph](),
	route[graph.AddNode](),
	route[graph.UpdateNode](),
	route[graph.MoveNode](),
	route[graph.RemoveNode](),
	route[graph.ConnectNodes](),
	route[graph.DisconnectEdge](),
	route[collab.JoinSession](),
	route[collab.LeaveSession](),
	route[collab.UpdateCursor](),
	route[collab.UpdateSelection](),
	route[collab.StartEditing](),
	route[collab.FinishEditing](),
	route[collab.SynchronizeSession](),
}

type handler struct {
	host     Host
	log      *slog.Logger
	decoders map[string]decodeFunc
}

// NewHandler serves
//
//	POST /commands/{type}
//	GET  /graphs/{id}
//	GET  /graphs/{id}/sessions
func NewHandler(host Host, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{
		host:     host,
		log:      log.With(slog.String("component", "api")),
		decoders: make(map[string]decodeFunc, len(commandRoutes)),
	}
	for _, r := range commandRoutes {
		h.decoders[r.name] = r.decode
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /commands/{type}", h.handleCommand)
	mux.HandleFunc("GET /graphs/{id}", h.handleGetGraph)
	mux.HandleFunc("GET /graphs/{id}/sessions", h.handleGetSessions)
	return mux
}

func (h *handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmdType := r.PathValue("type")
	decode, ok := h.decoders[cmdType]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown command type: " + cmdType})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	cmd, err := decode(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	reply, err := h.host.Execute(r.Context(), cmd)
	if err != nil {
		h.writeError(w, cmdType, err)
		return
	}
	if reply.Collab != nil {
		writeJSON(w, http.StatusOK, reply.Collab)
		return
	}
	writeJSON(w, http.StatusOK, reply.Events)
}

func (h *handler) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.host.Graphs().Load(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "load graph", err)
		return
	}
	resp := graphResponse{
		ID:          g.GetID(),
		Version:     g.GetVersion(),
		Name:        g.Name(),
		Description: g.Description(),
		Tags:        g.Tags(),
		Deleted:     g.Deleted(),
		Nodes:       make([]*graph.Node, 0, g.NodeCount()),
		Edges:       make([]*graph.Edge, 0, g.EdgeCount()),
	}
	for _, n := range g.Nodes {
		resp.Nodes = append(resp.Nodes, n)
	}
	for _, e := range g.Edges {
		resp.Edges = append(resp.Edges, e)
	}
	slices.SortFunc(resp.Nodes, func(a, b *graph.Node) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(resp.Edges, func(a, b *graph.Edge) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.host.Sessions().GraphSessions(r.PathValue("id"))
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:      s.ID,
			GraphID: s.GraphID,
			Version: s.Version,
			Users:   s.Presences(),
			Locks:   s.HeldLocks(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) writeError(w http.ResponseWriter, op string, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var notOwner *collab.NotOwnerError
	switch {
	case errors.As(err, &notOwner):
		status, resp.Owner = http.StatusMisdirectedRequest, notOwner.Owner
	case errors.Is(err, cqrs.ErrRejected):
		status = http.StatusUnprocessableEntity
		if rej, ok := cqrs.AsRejection(err); ok {
			resp.Rule = rej.Rule
		}
	case errors.Is(err, es.ErrAggregateNotFound),
		errors.Is(err, collab.ErrSessionNotFound),
		errors.Is(err, collab.ErrUserNotInSession):
		status = http.StatusNotFound
	case errors.Is(err, es.ErrConcurrencyConflict),
		errors.Is(err, collab.ErrElementLocked),
		errors.Is(err, collab.ErrSessionFull):
		status = http.StatusConflict
	case errors.Is(err, cqrs.ErrAggregateHalted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, app.ErrUnknownCommand), errors.Is(err, cqrs.ErrNotImplemented):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("op", op), slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
