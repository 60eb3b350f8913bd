package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/genia-platform/nl2sql/internal/config"
	"github.com/genia-platform/nl2sql/internal/history"
	"github.com/genia-platform/nl2sql/internal/llm"
	"github.com/genia-platform/nl2sql/internal/logger"
	"github.com/genia-platform/nl2sql/internal/pipeline"
	"github.com/genia-platform/nl2sql/internal/session"
	"github.com/genia-platform/nl2sql/internal/store"
)

type turnRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.Log.Level)

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.Postgres)
	if err != nil {
		logger.L.Error("failed to connect to postgres", "error", err)
		return
	}
	defer db.Close()

	schema, err := store.LoadMetadata(ctx, db)
	if err != nil {
		logger.L.Error("failed to load schema metadata", "error", err)
		return
	}
	logger.L.Info("schema metadata loaded", "tables", len(schema.Tables))

	vectors, err := store.NewVectorStore(db, cfg.Vector.Table)
	if err != nil {
		logger.L.Error("failed to configure vector store", "error", err)
		return
	}

	sqlRunner := store.NewRunner(db)
	client := llm.NewRetrying(llm.NewClient(cfg.LLM), cfg.LLM.Timeout, cfg.Embedding.Timeout)

	orch := pipeline.NewOrchestrator(
		pipeline.NewRetriever(client, vectors, cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Vector.DefaultTopK, cfg.Vector.MaxTopK),
		pipeline.NewPlanner(client, cfg.LLM.Model, cfg.Pipeline.HistoryWindow),
		pipeline.NewDrafter(client, cfg.LLM.Model),
		pipeline.NewReviewer(sqlRunner, cfg.Pipeline.PreviewRows, cfg.Pipeline.DryRunTimeout),
		pipeline.NewExecutor(sqlRunner, cfg.Pipeline.MaxRows, cfg.Pipeline.ExecutionTimeout),
		schema,
		cfg.Pipeline.MaxRetries,
		cfg.Pipeline.PlanRetries,
	)

	audit := history.Open(cfg.History.Path)
	defer audit.Close()

	manager := session.NewManager(cfg.Session, audit)
	manager.StartSweeper(ctx, time.Minute)
	turns := session.NewRunner(manager, orch)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		s := manager.Create()
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": s.ID.String()})
	})

	mux.HandleFunc("POST /sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		s, id, ok := resolveSession(w, r, manager)
		if !ok {
			return
		}
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
			http.Error(w, "question is required", http.StatusBadRequest)
			return
		}
		streamTurn(w, r, s, func(ctx context.Context) (pipeline.TurnOutcome, error) {
			return turns.StartTurn(ctx, id, req.Question, req.TopK, req.Scope)
		})
	})

	mux.HandleFunc("GET /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		_, id, ok := resolveSession(w, r, manager)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, audit.Replay(id.String()))
	})

	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, id, ok := resolveSession(w, r, manager)
		if !ok {
			return
		}
		manager.Close(id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "database_status": "ok"}
		code := http.StatusOK
		if err := sqlRunner.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database_status"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveSession(w http.ResponseWriter, r *http.Request, manager *session.Manager) (*session.Session, uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return nil, uuid.Nil, false
	}
	s, err := manager.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, uuid.Nil, false
	}
	return s, id, true
}

// streamTurn runs one pipeline turn while relaying its messages to the
// client as NDJSON, then appends the terminal outcome.
func streamTurn(w http.ResponseWriter, r *http.Request, s *session.Session, run func(context.Context) (pipeline.TurnOutcome, error)) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	type result struct {
		outcome pipeline.TurnOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := run(r.Context())
		done <- result{outcome: outcome, err: err}
	}()

	writeMsg := func(msg pipeline.AgentMessage) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_ = enc.Encode(map[string]any{"type": "message", "message": msg})
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				return
			}
			writeMsg(msg)
		case res := <-done:
			if errors.Is(res.err, session.ErrTurnInProgress) {
				// The stream belongs to the turn already running; nothing
				// here is ours to relay.
				http.Error(w, res.err.Error(), http.StatusConflict)
				return
			}
			// Drain anything already buffered before the terminal line.
			for {
				select {
				case msg, ok := <-s.Messages():
					if !ok {
						break
					}
					writeMsg(msg)
					continue
				default:
				}
				break
			}
			final := map[string]any{"type": "outcome", "outcome": res.outcome}
			if res.err != nil {
				final["error"] = res.err.Error()
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			_ = enc.Encode(final)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
	}
}
