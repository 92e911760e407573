package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"docsync/branch"
	"docsync/change"
)

// BranchHandler exposes the Branch Manager (spec §4.7) over plain JSON HTTP.
// Branching/merging is an administrative operation, not part of the
// client-facing wire contract enumerated in spec §6, so it is not carried
// over the websocket RPC surface rpc.OTHandler/rpc.LWWHandler implement;
// it gets its own small REST surface instead, grounded on
// internal/delivery/http.Handler's method-check-then-decode-then-call shape
// (the teacher's plain net/http handler style, not gorilla/websocket).
type BranchHandler struct {
	manager *branch.Manager
	log     *zap.Logger
}

// NewBranchHandler constructs a BranchHandler bound to manager.
func NewBranchHandler(manager *branch.Manager, log *zap.Logger) *BranchHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &BranchHandler{manager: manager, log: log}
}

// Register wires the branch admin routes onto mux.
func (h *BranchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /branches", h.create)
	mux.HandleFunc("PATCH /branches/{id}", h.update)
	mux.HandleFunc("POST /branches/{id}/close", h.close)
	mux.HandleFunc("POST /branches/{id}/merge", h.merge)
}

func (h *BranchHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *BranchHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("branch handler: encoding response failed", zap.Error(err))
	}
}

func (h *BranchHandler) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocID    string                 `json:"docId"`
		AtRev    int64                  `json:"atRev"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.manager.CreateBranch(r.Context(), req.DocID, req.AtRev, req.Metadata)
	if err != nil {
		h.log.Warn("createBranch failed", zap.String("doc_id", req.DocID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, b)
}

func (h *BranchHandler) update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.manager.UpdateBranch(r.Context(), r.PathValue("id"), req.Metadata)
	if err != nil {
		h.log.Warn("updateBranch failed", zap.String("branch_id", r.PathValue("id")), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, b)
}

func (h *BranchHandler) close(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status change.BranchStatus `json:"status"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.manager.CloseBranch(r.Context(), r.PathValue("id"), req.Status); err != nil {
		h.log.Warn("closeBranch failed", zap.String("branch_id", r.PathValue("id")), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BranchHandler) merge(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.MergeBranch(r.Context(), r.PathValue("id")); err != nil {
		h.log.Warn("mergeBranch failed", zap.String("branch_id", r.PathValue("id")), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
