package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/casecall/internal/blobstore"
	"github.com/casecall/internal/config"
	"github.com/casecall/internal/database"
	"github.com/casecall/internal/middleware"
	"github.com/casecall/internal/signaling"
	"github.com/casecall/internal/store"
)

// Service carries the shared backends. Per-user routers, call managers and
// transfer engines live on the websocket sessions, not here.
type Service struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   store.Client
	blobs   *blobstore.Store
	db      *database.Database
	archive *database.Archive

	calls     *database.CallRepository
	transfers *database.TransferRepository

	// sessions maps userID to the active websocket session.
	sessions sync.Map
}

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	logger := log.With().Str("service", "rtc").Logger()

	ctx := context.Background()

	var storeClient store.Client
	if cfg.Store.RedisHost != "" {
		storeClient, err = store.Open(ctx, store.Config{
			RedisAddr:     cfg.Store.RedisAddr(),
			RedisPassword: cfg.Store.RedisPassword,
			RedisDB:       cfg.Store.RedisDB,
			NATSURL:       cfg.Store.NATSURL,
			KeyPrefix:     cfg.Store.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect signal store")
		}
	} else {
		logger.Warn().Msg("No store backend configured, using in-memory signal store")
		storeClient = store.NewMemory()
	}
	defer storeClient.Close()

	blobs, err := blobstore.New(ctx, &cfg.MinIO, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	svc := &Service{
		cfg:       cfg,
		log:       logger,
		store:     storeClient,
		blobs:     blobs,
		db:        db,
		archive:   database.NewArchive(db),
		calls:     database.NewCallRepository(db),
		transfers: database.NewTransferRepository(db),
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.RecoveryMiddleware)
	router.Use(middleware.CORSMiddleware([]string{"*"}))

	router.HandleFunc("/health", svc.HandleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(&cfg.JWT))
	api.Use(middleware.RateLimitMiddleware(300))

	api.HandleFunc("/calls", svc.HandleActiveCalls).Methods("GET")
	api.HandleFunc("/calls/history", svc.HandleCallHistory).Methods("GET")
	api.HandleFunc("/calls/{id}", svc.HandleGetCall).Methods("GET")
	api.HandleFunc("/transfers", svc.HandleActiveTransfers).Methods("GET")
	api.HandleFunc("/transfers/history", svc.HandleTransferHistory).Methods("GET")
	api.HandleFunc("/transfers/{id}/download", svc.HandleDownload).Methods("GET")
	api.HandleFunc("/signals/history", svc.HandleSignalHistory).Methods("GET")

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(middleware.AuthMiddleware(&cfg.JWT))
	ws.HandleFunc("", svc.HandleWS)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("RTC service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func (svc *Service) session(userID string) (*clientSession, bool) {
	v, ok := svc.sessions.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*clientSession), true
}

func (svc *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleActiveCalls lists the caller's in-flight call sessions. Requires an
// open websocket session, since call state lives there.
func (svc *Service) HandleActiveCalls(w http.ResponseWriter, r *http.Request) {
	sess, ok := svc.session(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusConflict, "no active realtime session")
		return
	}
	writeJSON(w, http.StatusOK, sess.manager.ActiveCalls())
}

func (svc *Service) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, ok := svc.session(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusConflict, "no active realtime session")
		return
	}
	callSession, err := sess.manager.GetCallSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, callSession)
}

func (svc *Service) HandleCallHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	records, err := svc.calls.ListByUser(r.Context(), userID, queryLimit(r))
	if err != nil {
		svc.log.Error().Err(err).Msg("call history query failed")
		writeError(w, http.StatusInternalServerError, "failed to load call history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (svc *Service) HandleActiveTransfers(w http.ResponseWriter, r *http.Request) {
	sess, ok := svc.session(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusConflict, "no active realtime session")
		return
	}
	writeJSON(w, http.StatusOK, sess.engine.ActiveTransfers())
}

func (svc *Service) HandleTransferHistory(w http.ResponseWriter, r *http.Request) {
	records, err := svc.transfers.List(r.Context(), queryLimit(r))
	if err != nil {
		svc.log.Error().Err(err).Msg("transfer history query failed")
		writeError(w, http.StatusInternalServerError, "failed to load transfer history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleDownload streams a reassembled file out of the blob store.
func (svc *Service) HandleDownload(w http.ResponseWriter, r *http.Request) {
	transferID := mux.Vars(r)["id"]
	data, err := svc.blobs.GetFile(r.Context(), transferID)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (svc *Service) HandleSignalHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := svc.session(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusConflict, "no active realtime session")
		return
	}
	history, err := sess.router.SignalHistory(r.Context(), signaling.HistoryOptions{
		TargetUser: r.URL.Query().Get("target"),
		GroupID:    r.URL.Query().Get("group"),
		Limit:      queryLimit(r),
	})
	if err != nil {
		svc.log.Error().Err(err).Msg("signal history query failed")
		writeError(w, http.StatusInternalServerError, "failed to load signal history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
