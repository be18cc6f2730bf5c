package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agoraos/agora/pkg/artifact"
	"github.com/agoraos/agora/pkg/fault"
	"github.com/agoraos/agora/pkg/kernel"
)

// newAPI builds the HTTP surface. Every action endpoint is a thin JSON shim
// over the kernel verbs: the kernel's ActionResult is the response body, and
// its fault kind maps onto the status code.
func newAPI(k *kernel.Kernel, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	api := &apiServer{k: k, logger: logger.With("component", "api")}

	mux.HandleFunc("POST /v1/actions/read", api.read)
	mux.HandleFunc("POST /v1/actions/write", api.write)
	mux.HandleFunc("POST /v1/actions/edit", api.edit)
	mux.HandleFunc("POST /v1/actions/invoke", api.invoke)
	mux.HandleFunc("POST /v1/actions/delete", api.delete)

	mux.HandleFunc("POST /v1/principals", api.createPrincipal)
	mux.HandleFunc("GET /v1/artifacts", api.listArtifacts)
	mux.HandleFunc("GET /v1/artifacts/{id}/interface", api.getInterface)
	mux.HandleFunc("GET /v1/balances/{principal}", api.balances)

	mux.HandleFunc("GET /v1/audit/head", api.auditHead)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type apiServer struct {
	k      *kernel.Kernel
	logger *slog.Logger
}

type actionRequest struct {
	Caller string `json:"caller"`
	Target string `json:"target"`

	// Write fields.
	Type       string              `json:"type,omitempty"`
	Content    string              `json:"content,omitempty"`
	Executable bool                `json:"executable,omitempty"`
	HasLoop    bool                `json:"has_loop,omitempty"`
	Contract   string              `json:"contract,omitempty"`
	Interface  *artifact.Interface `json:"interface,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`

	// Edit fields.
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`

	// Invoke fields.
	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

func (s *apiServer) read(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	writeResult(w, s.k.Read(r.Context(), req.Caller, req.Target))
}

func (s *apiServer) write(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	writeResult(w, s.k.Write(r.Context(), req.Caller, kernel.WriteRequest{
		ID:         req.Target,
		Type:       req.Type,
		Content:    req.Content,
		Executable: req.Executable,
		HasLoop:    req.HasLoop,
		Contract:   req.Contract,
		Interface:  req.Interface,
		Metadata:   req.Metadata,
	}))
}

func (s *apiServer) edit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	writeResult(w, s.k.Edit(r.Context(), req.Caller, req.Target, req.OldText, req.NewText))
}

func (s *apiServer) invoke(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	writeResult(w, s.k.Invoke(r.Context(), req.Caller, req.Target, req.Method, req.Args))
}

func (s *apiServer) delete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	writeResult(w, s.k.Delete(r.Context(), req.Caller, req.Target))
}

func (s *apiServer) createPrincipal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string `json:"id"`
		InitialScrip int64  `json:"initial_scrip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body needs a principal id"})
		return
	}
	if err := s.k.CreatePrincipal(req.ID, req.InitialScrip); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *apiServer) listArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := artifact.Filter{Type: q.Get("type"), Owner: q.Get("owner")}
	writeJSON(w, http.StatusOK, s.k.ListArtifacts(f))
}

func (s *apiServer) getInterface(w http.ResponseWriter, r *http.Request) {
	iface, err := s.k.GetInterface(r.PathValue("id"))
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, iface)
}

func (s *apiServer) balances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.k.Balances(r.PathValue("principal")))
}

func (s *apiServer) auditHead(w http.ResponseWriter, r *http.Request) {
	audit := s.k.Bus().Audit()
	writeJSON(w, http.StatusOK, map[string]any{
		"head":    audit.Head(),
		"length":  audit.Length(),
		"dropped": s.k.Bus().Dropped(),
	})
}

func decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return req, false
	}
	if req.Caller == "" || req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "caller and target are required"})
		return req, false
	}
	return req, true
}

func writeResult(w http.ResponseWriter, res kernel.ActionResult) {
	status := http.StatusOK
	if !res.Success {
		status = statusForKind(res.ErrorKind)
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	return statusForKind(fault.KindOf(err))
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.PermissionDenied:
		return http.StatusForbidden
	case fault.NotFound:
		return http.StatusNotFound
	case fault.DuplicateID:
		return http.StatusConflict
	case fault.InsufficientBalance, fault.QuotaExceeded:
		return http.StatusPaymentRequired
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.InvalidArgument, fault.TypeChanged, fault.AmbiguousEdit:
		return http.StatusUnprocessableEntity
	case fault.ExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
