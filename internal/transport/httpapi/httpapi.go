// Package httpapi implements the HTTP/REST Adapter (spec.md §6.5) over
// chi, grounded on kadirpekel-hector/pkg/transport's chi-router-plus-
// middleware shape (http_metrics_middleware.go). HTTP status-code mapping
// lives only here: internal/errors.TaxonomyError stays transport-agnostic
// per spec.md §7, and this package is the single place that turns a
// Kind into a status line.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/transport/contract"
)

// Adapter wires contract.Service onto the REST surface spec.md §6.5
// names, plus the SPEC_FULL.md-supplemented /metrics and /healthz.
type Adapter struct {
	svc      *contract.Service
	registry *prometheus.Registry
}

// New builds an Adapter. registry may be nil, in which case /metrics
// is not mounted.
func New(svc *contract.Service, registry *prometheus.Registry) *Adapter {
	return &Adapter{svc: svc, registry: registry}
}

// Router builds the chi.Router spec.md §6.5 describes.
func (a *Adapter) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealthz)
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversions", a.handleSubmit)
		r.Get("/conversions", a.handleListSessions)
		r.Get("/conversions/{id}", a.handleStatus)
		r.Post("/conversions/{id}/resume", a.handleResume)
		r.Delete("/conversions/{id}", a.handleCancel)
		r.Post("/conversions/{id}/input", a.handleProvideInput)
		r.Get("/conversions/{id}/provenance", a.handleProvenance)
		r.Post("/validations", a.handleValidateStandalone)
	})

	return r
}

func (a *Adapter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

type submitRequest struct {
	WorkflowRef string `json:"workflow_ref"`
	DatasetRef  string `json:"dataset_ref"`
}

func (a *Adapter) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, taxerr.Wrap(taxerr.KindInvalidWorkflow, "decode request body", err))
		return
	}
	principalID := principalFrom(r)

	id, err := a.svc.Submit(r.Context(), req.WorkflowRef, req.DatasetRef, principalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (a *Adapter) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *Adapter) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (a *Adapter) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *Adapter) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, taxerr.Wrap(taxerr.KindInputSchemaMismatch, "decode request body", err))
		return
	}
	if err := a.svc.ProvideInput(r.Context(), chi.URLParam(r, "id"), input); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (a *Adapter) handleProvenance(w http.ResponseWriter, r *http.Request) {
	log, err := a.svc.Provenance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if wantsJSONLD(r.Header.Get("Accept")) {
		body, err := log.ToJSONLD()
		if err != nil {
			writeError(w, taxerr.Wrap(taxerr.KindInternal, "serialize provenance as JSON-LD", err))
			return
		}
		w.Header().Set("Content-Type", "application/ld+json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "text/turtle")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(log.ToTurtle()))
}

func wantsJSONLD(accept string) bool {
	return strings.Contains(accept, "application/ld+json") || strings.Contains(accept, "+json")
}

func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := session.Filter{PrincipalID: principalFrom(r)}
	for _, s := range strings.Split(r.URL.Query().Get("states"), ",") {
		if s != "" {
			filter.States = append(filter.States, session.State(s))
		}
	}
	summaries, err := a.svc.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type validateRequest struct {
	FileRef      string   `json:"file_ref"`
	ValidatorSet []string `json:"validator_set"`
}

func (a *Adapter) handleValidateStandalone(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, taxerr.Wrap(taxerr.KindValidatorUnavailable, "decode request body", err))
		return
	}
	report, err := a.svc.ValidateStandalone(r.Context(), req.FileRef, req.ValidatorSet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// principalFrom extracts the already-authenticated principal id. Identity
// resolution happens upstream of this adapter (spec.md §4.8: "authentication
// hand-off, identity already resolved"); this reads whatever header that
// upstream layer set.
func principalFrom(r *http.Request) string {
	return r.Header.Get("X-Principal-Id")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, err error) {
	te, ok := taxerr.As(err)
	if !ok {
		te = taxerr.New(taxerr.KindInternal, err.Error())
	}
	writeJSON(w, statusFor(te.Kind), map[string]errorPayload{
		"error": {Kind: string(te.Kind), Message: te.Message, Retryable: te.Retryable},
	})
}

// statusFor maps a taxonomy Kind to the status code spec.md §6.5
// specifies. Kinds with no explicit mapping default to 500, matching
// spec.md's "unanticipated core errors surface as Internal" propagation
// policy.
func statusFor(kind taxerr.Kind) int {
	switch kind {
	case taxerr.KindUnauthorized:
		return http.StatusUnauthorized
	case taxerr.KindForbidden:
		return http.StatusForbidden
	case taxerr.KindNotFound:
		return http.StatusNotFound
	case taxerr.KindTerminalState, taxerr.KindConcurrencyError, taxerr.KindNotSuspended:
		return http.StatusConflict
	case taxerr.KindInputSchemaMismatch:
		return http.StatusUnprocessableEntity
	case taxerr.KindInvalidWorkflow, taxerr.KindCircularDependency:
		return http.StatusBadRequest
	case taxerr.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case taxerr.KindValidatorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
