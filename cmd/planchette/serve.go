package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bodul/planchette/internal/api"
	"github.com/bodul/planchette/internal/config"
	"github.com/bodul/planchette/internal/model"
	"github.com/bodul/planchette/internal/oracle"
	"github.com/bodul/planchette/internal/server"
)

var pullOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the answer server",
	Long: `Serves POST /api/ask as a server-sent event stream, the model status and
download endpoints, model status events and Prometheus metrics.

The oracle is a local Ollama daemon by default. Set oracle.backend to
"gemini" and GCP_PROJECT_ID (Vertex AI) or GEMINI_API_KEY to use Gemini.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&pullOnStart, "pull", false, "Start downloading the model at boot if it is missing")
}

func newOracle(ctx context.Context, c *config.Config) (oracle.Oracle, error) {
	sampling := oracle.Sampling{
		MaxTokens:   c.Oracle.MaxTokens,
		Temperature: c.Oracle.Temperature,
		TopP:        c.Oracle.TopP,
	}
	switch c.Oracle.Backend {
	case config.BackendGemini:
		return oracle.NewGemini(ctx, oracle.GeminiOptions{
			Project:  c.Oracle.Gemini.Project,
			Region:   c.Oracle.Gemini.Region,
			APIKey:   c.Oracle.Gemini.APIKey,
			Model:    c.Oracle.Model,
			Sampling: sampling,
		})
	case config.BackendOllama:
		return oracle.NewOllama(oracle.OllamaOptions{
			Host:      c.Oracle.Ollama.Host,
			Model:     c.Oracle.Model,
			KeepAlive: c.Oracle.Ollama.KeepAlive,
			Sampling:  sampling,
		}), nil
	}
	return nil, fmt.Errorf("unknown oracle backend %q", c.Oracle.Backend)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := newOracle(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("oracle ready", zap.String("backend", cfg.Oracle.Backend), zap.String("model", o.Model()))

	events := server.NewBroadcaster()
	models := model.NewManager(o,
		model.WithLogger(logger.Named("model")),
		model.WithNotify(func(st api.ModelStatus) { events.Broadcast(st) }),
	)
	defer models.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(models, server.Options{
		MaxQuestionLen: cfg.Server.MaxQuestionLen,
		HistoryLimit:   cfg.Server.HistoryLimit,
		AskRate:        cfg.Server.AskRate,
		AskInterval:    config.Duration(cfg.Server.AskInterval, time.Minute),
		Logger:         logger.Named("server"),
		Registry:       reg,
		Events:         events,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", httpSrv.Addr), zap.String("run_mode", cfg.Server.RunMode))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second))
		defer cancel()
		// Event streams never end on their own.
		srv.Close()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if pullOnStart {
		g.Go(func() error {
			if st := models.Status(gctx); !st.Ready() {
				models.Download()
			}
			return nil
		})
	}

	return g.Wait()
}
