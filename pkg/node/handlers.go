package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/driftdoc/internal/telemetry"
	"github.com/ryandielhenn/driftdoc/pkg/document"
	"github.com/ryandielhenn/driftdoc/pkg/docstore"
)

// Handler builds the node's full HTTP surface, instrumented per operation.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("POST /documents", telemetry.Instrument("start", http.HandlerFunc(n.StartDocument)))
	mux.Handle("PATCH /documents/{id}", telemetry.Instrument("patch", http.HandlerFunc(n.PatchDocument)))
	mux.Handle("POST /documents/{id}", telemetry.Instrument("patch", http.HandlerFunc(n.PatchDocument)))
	mux.Handle("GET /documents/{id}", telemetry.Instrument("get", http.HandlerFunc(n.GetDocument)))
	mux.Handle("GET /documents/{id}/stats", telemetry.Instrument("stats", http.HandlerFunc(n.DocumentStats)))
	mux.Handle("POST /documents/{id}/maintenance", telemetry.Instrument("maintenance", http.HandlerFunc(n.MaintainDocument)))
	return mux
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, and hosted
// document count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		NodeID    string    `json:"nodeId"`
		PID       int       `json:"pid"`
		Now       time.Time `json:"now"`
		Documents int       `json:"documents"`
	}
	writeJSON(w, http.StatusOK, resp{
		NodeID:    n.id,
		PID:       os.Getpid(),
		Now:       time.Now(),
		Documents: n.docs.Len(),
	})
}

// StartDocumentRequest is the body of POST /documents.
type StartDocumentRequest struct {
	// Identity is optional; the node mints one when absent.
	Identity        string `json:"identity,omitempty"`
	Payload         string `json:"payload"`
	Version         uint64 `json:"version,omitempty"`
	FromReplication bool   `json:"fromReplication,omitempty"`
}

// StartDocument creates a replica and triggers its first patch. Start is
// confirmed before the first patch's outcome is known.
func (n *Node) StartDocument(w http.ResponseWriter, req *http.Request) {
	var body StartDocumentRequest
	if req.Body != nil {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			n.writeError(w, document.NewArgumentError(document.MsgBodyRequired))
			return
		}
	}

	identity := body.Identity
	if identity == "" {
		identity = uuid.NewString()
	}

	opts := n.defaults
	// Only the elected owner may originate convergence self-patches.
	opts.OwnerSelection = opts.OwnerSelection && n.ownsDocument(identity)

	r, err := n.coord.Start(req.Context(), identity, document.StartRequest{
		Payload:         body.Payload,
		Version:         body.Version,
		FromReplication: body.FromReplication,
	}, opts)
	if err != nil {
		n.writeError(w, err)
		return
	}

	if err := n.docs.Create(r); err != nil {
		r.Close()
		writeJSON(w, http.StatusConflict, map[string]string{"message": err.Error()})
		return
	}
	r.SetDocumentOwner(n.ownsDocument(identity))

	writeJSON(w, http.StatusOK, r.Snapshot())
}

// PatchDocument applies one patch to a hosted replica.
func (n *Node) PatchDocument(w http.ResponseWriter, req *http.Request) {
	identity := req.PathValue("id")
	r, ok := n.docs.Get(identity)
	if !ok {
		http.NotFound(w, req)
		return
	}

	var patch document.PatchRequest
	if err := json.NewDecoder(req.Body).Decode(&patch); err != nil {
		n.writeError(w, document.NewArgumentError(document.MsgBodyRequired))
		return
	}
	if patch.TargetIdentity == "" {
		patch.TargetIdentity = identity
	}

	if err := r.Apply(patch); err != nil {
		n.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.Snapshot())
}

// GetDocument serves the generic read path.
func (n *Node) GetDocument(w http.ResponseWriter, req *http.Request) {
	state, err := n.docs.ReadState(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// MaintainDocument delivers a maintenance signal to a replica. Always
// acknowledged with success; bookkeeping happens after the ack semantics.
func (n *Node) MaintainDocument(w http.ResponseWriter, req *http.Request) {
	r, ok := n.docs.Get(req.PathValue("id"))
	if !ok {
		http.NotFound(w, req)
		return
	}

	var maint document.MaintenanceRequest
	if req.Body != nil {
		// A malformed body still yields an acknowledged empty signal.
		_ = json.NewDecoder(req.Body).Decode(&maint)
	}
	r.HandleMaintenance(maint)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// DocumentStats serves the per-replica maintenance counters.
func (n *Node) DocumentStats(w http.ResponseWriter, req *http.Request) {
	r, ok := n.docs.Get(req.PathValue("id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	stats := r.Stats()
	writeJSON(w, http.StatusOK, map[string]uint64{
		document.StatOwnerToggle:        stats.OwnerToggleCount(),
		document.StatMissingOwnerToggle: stats.MissingOwnerToggleCount(),
	})
}

// writeError maps protocol errors onto the HTTP surface: argument errors
// carry their structured payload on 400, state errors map to 409, and the
// not-modified no-op maps to 304.
func (n *Node) writeError(w http.ResponseWriter, err error) {
	var argErr *document.ArgumentError
	var stateErr *document.StateError
	switch {
	case errors.Is(err, document.ErrNotModified):
		w.WriteHeader(http.StatusNotModified)
	case errors.As(err, &argErr):
		writeJSON(w, http.StatusBadRequest, argErr.Response)
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, map[string]string{"message": stateErr.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
