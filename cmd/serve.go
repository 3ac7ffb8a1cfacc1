package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/objstore"
	"github.com/openspend/spend-cli/internal/pipeline"
	"github.com/openspend/spend-cli/internal/runlog"
	"github.com/openspend/spend-cli/internal/store"
)

var (
	servePort      int
	serveQueueSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline HTTP API",
	Long:  "Serves run submission, run inspection, live log streaming and presigned upload endpoints. Runs execute one at a time in submission order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		queue := pipeline.NewQueue(serveQueueSize)
		queue.Start(ctx)
		defer queue.Close()

		api := &apiServer{
			st:        env.Store,
			obj:       env.Objstore,
			broadcast: env.Broadcast,
			queue:     queue,
			launch: func(jctx context.Context, run *model.Run) {
				if err := env.execute(jctx, run); err != nil {
					zap.L().Error("run failed",
						zap.String("run", run.ID),
						zap.Int64("asset", run.AssetID),
						zap.Error(err),
					)
				}
			},
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().IntVar(&serveQueueSize, "queue-size", 32, "max queued runs before submissions are rejected")
	rootCmd.AddCommand(serveCmd)
}

// apiServer carries the dependencies of the HTTP handlers.
type apiServer struct {
	st        store.Store
	obj       *objstore.Client // nil disables the uploads endpoint
	broadcast *runlog.Broadcaster
	queue     *pipeline.Queue
	launch    func(ctx context.Context, run *model.Run)
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleDeleteRun)
			r.Get("/logs", s.handleRunLogs)
			r.Get("/logs/stream", s.handleRunLogStream)
		})
	})
	r.Post("/uploads", s.handlePresignUpload)

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRunRequest is the run submission body.
type createRunRequest struct {
	AssetID    int64          `json:"asset_id"`
	SourceKind string         `json:"source_kind"`
	DryRun     bool           `json:"dry_run"`
	FromStage  string         `json:"from_stage"`
	ToStage    string         `json:"to_stage"`
	Truncate   bool           `json:"truncate"`
	Params     map[string]any `json:"params"`
}

func (s *apiServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssetID <= 0 {
		writeError(w, http.StatusBadRequest, "asset_id is required")
		return
	}
	kind := model.SourceKind(req.SourceKind)
	if _, err := pipeline.SourceFor(kind); err != nil {
		writeError(w, http.StatusBadRequest, "unknown source_kind")
		return
	}

	params := req.Params
	if req.Truncate {
		if params == nil {
			params = map[string]any{}
		}
		params["truncate"] = true
	}

	run := &model.Run{
		AssetID:    req.AssetID,
		SourceKind: kind,
		DryRun:     req.DryRun,
		FromStage:  req.FromStage,
		ToStage:    req.ToStage,
		Params:     params,
	}
	if err := s.st.CreateRun(r.Context(), run); err != nil {
		zap.L().Error("create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create run failed")
		return
	}

	if err := s.queue.Enqueue(func(ctx context.Context) { s.launch(ctx, run) }); err != nil {
		_ = s.st.UpdateRunStatus(r.Context(), run.ID, model.RunFailed, "run queue unavailable")
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset, _ := strconv.ParseInt(q.Get("asset"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	runs, err := s.st.ListRuns(r.Context(), store.RunFilter{
		Status:  model.RunStatus(q.Get("status")),
		AssetID: asset,
		Limit:   limit,
	})
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	stages, err := s.st.ListRunStages(r.Context(), run.ID)
	if err != nil {
		zap.L().Error("list run stages", zap.String("run", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Run    *model.Run       `json:"run"`
		Stages []model.RunStage `json:"stages"`
	}{run, stages})
}

func (s *apiServer) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	if err := s.st.DeleteRun(r.Context(), run.ID); err != nil {
		if eris.Is(err, store.ErrRunActive) {
			writeError(w, http.StatusConflict, "run is still active")
			return
		}
		zap.L().Error("delete run", zap.String("run", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete run failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	logs, err := s.st.ListRunLogs(r.Context(), run.ID, after, limit)
	if err != nil {
		zap.L().Error("list run logs", zap.String("run", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list logs failed")
		return
	}
	if logs == nil {
		logs = []model.RunLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleRunLogStream streams run log entries as server-sent events. Buffered
// history is replayed first, then live entries until the client disconnects.
func (s *apiServer) handleRunLogStream(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.broadcast.Subscribe(run.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// presignRequest asks for an upload URL for one object key.
type presignRequest struct {
	Key string `json:"key"`
}

func (s *apiServer) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	if s.obj == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}

	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	url, err := s.obj.PresignUpload(req.Key)
	if err != nil {
		zap.L().Error("presign upload", zap.String("key", req.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "presign failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"key":        req.Key,
		"upload_url": url,
	})
}

// lookupRun loads the run named by the {id} path parameter, writing a 404
// when it does not exist.
func (s *apiServer) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.st.GetRun(r.Context(), id)
	if err != nil {
		zap.L().Error("get run", zap.String("run", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
