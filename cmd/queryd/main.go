// Command queryd serves the grounded-answer orchestrator over HTTP. The
// handler only decodes the canonical request JSON and encodes the
// response; channel framing (SMS/voice transports) lives outside this
// process.
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"civicinfo/internal/audit"
	"civicinfo/internal/config"
	"civicinfo/internal/embedder"
	"civicinfo/internal/generator"
	"civicinfo/internal/logging"
	"civicinfo/internal/objectstore"
	"civicinfo/internal/query"
	"civicinfo/internal/retriever"
)

// Exit codes for operational triage.
const (
	exitConfigInvalid = 10
	exitDBConnect     = 20
	exitServe         = 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("config_load_failed")
		os.Exit(exitConfigInvalid)
	}
	logging.SetLevel(cfg.LogLevel)
	if err := cfg.ValidateServing(); err != nil {
		logging.Log.WithField("error", err.Error()).Error("config_invalid")
		os.Exit(exitConfigInvalid)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.PG.ConnString())
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("pg_connect_failed")
		os.Exit(exitDBConnect)
	}
	defer pool.Close()

	emb := embedder.NewClient(cfg.Embedding)
	ret := retriever.New(pool, emb, cfg.PG.Table, cfg.Retrieval.RawK, cfg.Retrieval.FinalK)
	if err := ret.CheckIndex(ctx); err != nil {
		// Non-fatal: a missing table surfaces on the first query as well.
		logging.Log.WithField("error", err.Error()).Warn("index_check_failed")
	}

	gen := generator.NewClient(cfg.Generator)

	// Audit is optional; a nil store disables it.
	var auditStore objectstore.Store
	if cfg.Storage == config.StorageLocal {
		auditStore = objectstore.NewLocalStore(cfg.LocalRoot)
	} else if cfg.S3.Bucket != "" {
		if s, err := objectstore.NewS3Store(ctx, cfg.S3, cfg.PutRetries, cfg.PutBackoff); err == nil {
			auditStore = s
		} else {
			logging.Log.WithField("error", err.Error()).Warn("audit_store_init_failed")
		}
	}
	sink := audit.NewSink(auditStore, cfg.AuditPrefix, nil)

	core := query.NewCore(ret, gen, sink, cfg.Query, cfg.Retrieval.MinSimilarity)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/api/query", func(c echo.Context) error {
		var req query.Request
		if err := c.Bind(&req); err != nil {
			// An empty request fails shape validation in the core, which
			// assigns a request_id and audits the refusal.
			return c.JSON(http.StatusOK, core.Handle(c.Request().Context(), query.Request{}))
		}
		return c.JSON(http.StatusOK, core.Handle(c.Request().Context(), req))
	})

	logging.Log.WithField("addr", cfg.HTTPAddr).WithField("min_similarity", cfg.Retrieval.MinSimilarity).
		WithField("asr_threshold", cfg.Query.ASRConfThreshold).Info("startup_ok")
	if err := e.Start(cfg.HTTPAddr); err != nil {
		logging.Log.WithField("error", err.Error()).Error("server_stopped")
		os.Exit(exitServe)
	}
}
