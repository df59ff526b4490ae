package httpapi

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/txengine/internal/csvio"
	"github.com/MarkoPoloResearchLab/txengine/internal/diagnostics"
	"github.com/MarkoPoloResearchLab/txengine/internal/metrics"
	"github.com/MarkoPoloResearchLab/txengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 5 * time.Second
	metricsSource   = "http"
	uploadSource    = "http_upload"
)

// Exporter persists a finished run. *gormstore.Exporter satisfies it.
type Exporter interface {
	ExportRun(ctx context.Context, run gormstore.Run, snapshots iter.Seq[ledger.AccountSnapshot]) error
}

// Run boots the HTTP façade and blocks until ctx is cancelled or the listener fails.
// A nil exporter disables the SQL export of uploaded runs.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, exporter Exporter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := newHandler(cfg, logger, exporter)
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("txengine http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/snapshots", handler.handleSnapshot)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	observer *diagnostics.ZapObserver
	metrics  *metrics.Processor
	exporter Exporter
	cfg      Config
}

func newHandler(cfg Config, logger *zap.Logger, exporter Exporter) *httpHandler {
	return &httpHandler{
		logger:   logger,
		observer: diagnostics.NewZapObserver(logger),
		metrics:  metrics.NewProcessor(metricsSource),
		exporter: exporter,
		cfg:      cfg,
	}
}

// handleSnapshot processes the uploaded CSV against a fresh store, so
// concurrent uploads never share ledger state.
func (handler *httpHandler) handleSnapshot(ctx *gin.Context) {
	started := time.Now().UTC()
	body := http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxBodyBytes)

	decoder, err := csvio.NewDecoder(body)
	if err != nil {
		handler.respondReadError(ctx, err)
		return
	}

	processor, err := ledger.NewProcessor(
		ledger.NewStore(),
		ledger.WithOutcomeObserver(handler.observer),
		ledger.WithOutcomeObserver(handler.metrics),
	)
	if err != nil {
		handler.logger.Error("processor init failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "processor unavailable"))
		return
	}
	summary := processor.ProcessAll(decoder.Records())
	store := processor.Store()
	if err := decoder.Err(); err != nil {
		handler.metrics.ObserveRun(err, started, summary, store.Len())
		handler.respondReadError(ctx, err)
		return
	}

	runID := uuid.New()
	if handler.exporter != nil {
		run := gormstore.Run{
			RunID:      runID,
			Source:     uploadSource,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Summary:    summary,
		}
		if err := handler.exporter.ExportRun(ctx.Request.Context(), run, store.Snapshots()); err != nil {
			handler.metrics.ObserveRun(err, started, summary, store.Len())
			handler.logger.Error("snapshot export failed", zap.String("run_id", runID.String()), zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse("export_failed", "snapshot export failed"))
			return
		}
	}
	handler.metrics.ObserveRun(nil, started, summary, store.Len())

	accounts := make([]accountPayload, 0, store.Len())
	for snapshot := range store.Snapshots() {
		accounts = append(accounts, newAccountPayload(snapshot))
	}
	handler.logger.Info("upload processed",
		zap.String("run_id", runID.String()),
		zap.Int("accounts", len(accounts)),
		zap.Int("applied", summary.Applied),
		zap.Int("ignored_invalid_reference", summary.IgnoredInvalidReference),
		zap.Int("ignored_account_locked", summary.IgnoredAccountLocked),
		zap.Int("malformed", summary.Malformed),
	)
	ctx.JSON(http.StatusOK, snapshotResponse{
		RunID:    runID.String(),
		Accounts: accounts,
		Summary:  summary,
	})
}

func (handler *httpHandler) respondReadError(ctx *gin.Context, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("body_too_large", "request body exceeds the configured limit"))
	case errors.Is(err, csvio.ErrMissingHeader), errors.Is(err, csvio.ErrMissingColumn):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_csv", err.Error()))
	default:
		handler.logger.Warn("upload read failed", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_body", "request body could not be read"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type snapshotResponse struct {
	RunID    string           `json:"run_id"`
	Accounts []accountPayload `json:"accounts"`
	Summary  ledger.Summary   `json:"summary"`
}

type accountPayload struct {
	Client    uint16 `json:"client"`
	Available string `json:"available"`
	Held      string `json:"held"`
	Total     string `json:"total"`
	Locked    bool   `json:"locked"`
}

func newAccountPayload(snapshot ledger.AccountSnapshot) accountPayload {
	return accountPayload{
		Client:    uint16(snapshot.Client),
		Available: snapshot.Available.String(),
		Held:      snapshot.Held.String(),
		Total:     snapshot.Total.String(),
		Locked:    snapshot.Locked,
	}
}
