package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/proof"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

const maxBodyBytes = 1 << 20

// Server exposes the ledger services over HTTP.
type Server struct {
	pipeline  *ledger.Pipeline
	signing   *signing.Service
	keys      *keylifecycle.Service
	anchoring *anchoring.Service
	proofs    *proof.Service
	actors    *ActorResolver
	limiter   *RateLimiter
	logger    *slog.Logger
}

// Deps are the services behind the routes. Limiter may be nil to disable
// rate limiting.
type Deps struct {
	Pipeline  *ledger.Pipeline
	Signing   *signing.Service
	Keys      *keylifecycle.Service
	Anchoring *anchoring.Service
	Proofs    *proof.Service
	Actors    *ActorResolver
	Limiter   *RateLimiter
}

func NewServer(d Deps) *Server {
	actors := d.Actors
	if actors == nil {
		actors = NewActorResolver("")
	}
	return &Server{
		pipeline:  d.Pipeline,
		signing:   d.Signing,
		keys:      d.Keys,
		anchoring: d.Anchoring,
		proofs:    d.Proofs,
		actors:    actors,
		limiter:   d.Limiter,
		logger:    slog.Default().With("component", "api"),
	}
}

// Handler returns the routed handler with request id and actor middleware
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/v1/ledger/events", s.handleAppend)
	mux.Handle("GET /api/v1/ledger/verify", s.limited(s.handleVerify))
	mux.HandleFunc("GET /api/v1/ledger/events/{id}", s.handleGetEvent)
	mux.Handle("GET /api/v1/ledger/events/{id}/proof", s.limited(s.handleProof))

	mux.HandleFunc("POST /api/v1/evidence/sign", s.handleSign)
	mux.Handle("POST /api/v1/evidence/verify", s.limited(s.handleVerifySignature))

	mux.HandleFunc("GET /api/v1/keys", s.handleListKeys)
	mux.HandleFunc("POST /api/v1/keys/rotate", s.handleRotate)
	mux.HandleFunc("POST /api/v1/keys/{id}/revoke", s.handleRevoke)
	mux.HandleFunc("POST /api/v1/keys/requests", s.handleCreateRequest)
	mux.HandleFunc("GET /api/v1/keys/requests", s.handleListRequests)
	mux.HandleFunc("POST /api/v1/keys/requests/{id}/{action}", s.handleRequestAction)

	mux.HandleFunc("GET /api/v1/break-glass", s.handleBreakGlassStatus)
	mux.HandleFunc("POST /api/v1/break-glass", s.handleActivateBreakGlass)
	mux.HandleFunc("POST /api/v1/break-glass/deactivate", s.handleDeactivateBreakGlass)

	mux.HandleFunc("GET /api/v1/anchoring/health", s.handleAnchoringHealth)
	mux.HandleFunc("POST /api/v1/anchoring/run", s.handleAnchoringRun)
	mux.HandleFunc("POST /api/v1/anchoring/reconcile", s.handleAnchoringReconcile)

	return requestID(s.actors.Middleware(mux))
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, r, "Event id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ledger

type appendRequest struct {
	EventType ledger.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
}

type appendResponse struct {
	ID        int64  `json:"id"`
	BlockHash string `json:"block_hash"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req appendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EventType == "" || len(req.Payload) == 0 {
		WriteBadRequest(w, r, "Missing required fields: event_type, payload")
		return
	}
	if err := ledger.CheckExternal(req.EventType); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	ev, err := s.pipeline.Append(r.Context(), req.EventType, actor, []byte(req.Payload))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{ID: ev.ID, BlockHash: ev.BlockHash})
}

type verifyResponse struct {
	Valid bool `json:"valid"`
	ledger.VerifyReport
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := ledger.VerifyStore(r.Context(), s.pipeline.Store())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, VerifyReport: rep})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ev, err := s.pipeline.Store().Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.proofs.GetEventProof(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Evidence

type signRequest struct {
	Hash string `json:"hash"`
}

type verifySignatureRequest struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sig, err := s.signing.Sign(r.Context(), req.Hash)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// handleVerifySignature answers 200 for valid and invalid signatures alike;
// an empty key_id means the active key.
func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	var req verifySignatureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Hash == "" || req.Signature == "" {
		WriteBadRequest(w, r, "Missing required fields: hash, signature")
		return
	}
	writeJSON(w, http.StatusOK, s.signing.Inspect(r.Context(), req.Hash, req.Signature, req.KeyID))
}

// Keys

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.signing.ListKeys(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	activeID := ""
	for _, k := range keys {
		if k.Status == signing.StatusActive {
			activeID = k.KeyID
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_key_id": activeID, "keys": keys})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rot, err := s.keys.Rotate(r.Context(), actor, req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rot)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.keys.Revoke(r.Context(), actor, r.PathValue("id"), req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createRequestBody struct {
	Operation   keylifecycle.Operation `json:"operation"`
	TargetKeyID string                 `json:"target_key_id"`
	Reason      string                 `json:"reason"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.keys.CreateRequest(r.Context(), actor, body.Operation, body.TargetKeyID, body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.keys.ListRequests(r.Context(), keylifecycle.Status(r.URL.Query().Get("status")))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleRequestAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var (
		req keylifecycle.Request
		err error
	)
	switch r.PathValue("action") {
	case "approve":
		req, err = s.keys.Approve(r.Context(), id, actor)
	case "reject":
		var body reasonRequest
		if !decodeBody(w, r, &body) {
			return
		}
		req, err = s.keys.Reject(r.Context(), id, actor, body.Reason)
	case "execute":
		req, err = s.keys.Execute(r.Context(), id, actor)
	default:
		WriteNotFound(w, r, "Unknown request action")
		return
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Break-glass

type activateRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration"` // Go duration; empty means the policy maximum
}

func (s *Server) handleBreakGlassStatus(w http.ResponseWriter, r *http.Request) {
	bg, err := s.keys.BreakGlassStatus(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bg)
}

func (s *Server) handleActivateBreakGlass(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			WriteBadRequest(w, r, "duration must be a positive Go duration such as 30m")
			return
		}
	}
	bg, err := s.keys.ActivateBreakGlass(r.Context(), actor, req.Reason, d)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bg)
}

func (s *Server) handleDeactivateBreakGlass(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	bg, err := s.keys.DeactivateBreakGlass(r.Context(), actor, req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bg)
}

// Anchoring

// handleAnchoringHealth always answers 200; probes read the status field.
func (s *Server) handleAnchoringHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.anchoring.Health(r.Context()))
}

func (s *Server) handleAnchoringRun(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	a, err := s.anchoring.Run(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "anchoring run triggered", "actor", actor, "anchor_id", a.ID, "status", a.Status)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAnchoringReconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	rep, err := s.anchoring.Reconcile(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
