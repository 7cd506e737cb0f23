package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/intentforge/core/pkg/config"
	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/costoracle"
	"github.com/intentforge/core/pkg/eventstore"
	"github.com/intentforge/core/pkg/orchestrator"
)

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer rt.Close(context.Background())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("server listening", "port", cfg.Port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
}

func newHandler(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", rt.handleGenerate)
	mux.HandleFunc("GET /v1/ivcu/{id}", rt.handleState)
	mux.HandleFunc("GET /v1/ivcu/{id}/audit", rt.handleAudit)
	mux.HandleFunc("GET /v1/ivcu/{id}/costs", rt.handleCosts)
	mux.HandleFunc("POST /v1/ivcu/{id}/undo", rt.handleUndo)
	mux.HandleFunc("GET /v1/ivcu/{id}/bundle", rt.handleBundle)
	mux.HandleFunc("GET /healthz", rt.handleHealth)
	return mux
}

type generateRequest struct {
	IVCUID     string               `json:"ivcu_id,omitempty"`
	Intent     string               `json:"intent"`
	Language   string               `json:"language,omitempty"`
	Model      string               `json:"model,omitempty"`
	ActorID    string               `json:"actor_id,omitempty"`
	Complexity string               `json:"complexity,omitempty"`
	Contracts  []contracts.Contract `json:"contracts,omitempty"`
	Adaptive   bool                 `json:"adaptive,omitempty"`
}

func (rt *runtime) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if body.Intent == "" && body.IVCUID == "" {
		writeError(w, http.StatusBadRequest, errors.New("intent or ivcu_id required"))
		return
	}

	req := orchestrator.Request{
		IVCUID:     body.IVCUID,
		Intent:     body.Intent,
		Language:   body.Language,
		Model:      body.Model,
		ActorID:    body.ActorID,
		Complexity: costoracle.Complexity(body.Complexity),
		Contracts:  body.Contracts,
	}

	run := rt.orchestrator.RunFull
	if body.Adaptive {
		run = rt.orchestrator.RunAdaptive
	}
	res, err := run(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *runtime) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := rt.store.State(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (rt *runtime) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := rt.store.AuditLog(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (rt *runtime) handleCosts(w http.ResponseWriter, r *http.Request) {
	ledger, err := rt.store.CostLedger(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (rt *runtime) handleUndo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	state, err := rt.store.Undo(r.Context(), r.PathValue("id"), body.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleBundle exports the proof bundle for the aggregate's current
// certificate.
func (rt *runtime) handleBundle(w http.ResponseWriter, r *http.Request) {
	state, err := rt.store.State(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if state.CertificateID == "" {
		writeError(w, http.StatusNotFound, errors.New("no certificate issued"))
		return
	}
	cert, err := rt.authority.Status(state.CertificateID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bundle, err := rt.authority.Export(cert, state.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (rt *runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": rt.router.HealthCheck(r.Context()),
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, eventstore.ErrAggregateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, contracts.ErrConcurrencyConflict):
		status = http.StatusConflict
	}
	var verr *contracts.ValidationError
	if errors.As(err, &verr) {
		status = http.StatusBadRequest
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
