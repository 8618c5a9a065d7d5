package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/ingest"
	"github.com/sells-group/reconcile-cli/internal/provenance"
	"github.com/sells-group/reconcile-cli/internal/review"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildRouter wires the HTTP surface: source webhooks, the review queue and
// provenance lookups.
func buildRouter(env *env) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhook/{source}", func(w http.ResponseWriter, req *http.Request) {
		source := chi.URLParam(req, "source")

		payload, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read request body"})
			return
		}

		rec, err := ingest.Parse(source, payload)
		if err != nil {
			if eris.Is(err, ingest.ErrUnknownSource) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source: " + source})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}

		outcome, err := env.processor.Process(req.Context(), rec)
		if err != nil {
			zap.L().Warn("webhook record rejected",
				zap.String("record_id", rec.RecordID),
				zap.String("source", source),
				zap.Error(err),
			)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":     "record rejected",
				"record_id": rec.RecordID,
			})
			return
		}

		writeJSON(w, http.StatusOK, outcome)
	})

	r.Get("/review", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		items, err := env.queue.ListOpen(req.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list review queue"})
			return
		}
		if items == nil {
			items = []review.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	})

	r.Post("/review/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item id"})
			return
		}

		var body struct {
			Reviewer string `json:"reviewer"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Reviewer == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reviewer is required"})
			return
		}

		if err := env.queue.Resolve(req.Context(), id, body.Reviewer); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "item not found or already resolved"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	})

	r.Get("/entities/{id}/history", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entity id"})
			return
		}
		field := req.URL.Query().Get("field")
		if field == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "field is required"})
			return
		}

		entries, err := env.ledger.History(req.Context(), id, field)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "load history"})
			return
		}
		if entries == nil {
			entries = []provenance.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
