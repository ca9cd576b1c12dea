package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/buildinfo"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
	"github.com/otherjamesbrown/meetpipe/pkg/queue"
	"github.com/otherjamesbrown/meetpipe/pkg/workers"
)

// JobHandler runs one queued job through the driver.
func JobHandler(app *App) workers.Handler {
	return func(ctx context.Context, job queue.Job) error {
		switch job.Type {
		case queue.JobProcessArtifact:
			_, err := app.Driver.ProcessArtifact(ctx, job.OrgID, job.ArtifactID)
			return err
		case queue.JobSyncMeeting:
			_, err := app.Driver.SyncMeeting(ctx, job.OrgID, job.MeetingID, job.Destination)
			return err
		}
		return fmt.Errorf("%w: %q", queue.ErrUnknownJobType, job.Type)
	}
}

// PoolConfigs returns the process and sync pool settings from config.
func PoolConfigs(app *App) map[string]workers.Config {
	cfgs := workers.DefaultConfigs()
	process := cfgs[QueueProcess]
	if n := app.Config.Queue.ProcessWorkers; n > 0 {
		process.Count = n
	}
	sync := cfgs[QueueSync]
	if n := app.Config.Queue.SyncWorkers; n > 0 {
		sync.Count = n
	}
	cfgs[QueueProcess], cfgs[QueueSync] = process, sync
	return cfgs
}

// StartPools starts one pool per queue and returns the manager.
func StartPools(app *App) (*workers.PoolManager, error) {
	pm := workers.NewPoolManager()
	handler := JobHandler(app)
	for name, pc := range PoolConfigs(app) {
		q, err := app.Queue(name)
		if err != nil {
			return nil, err
		}
		pm.RegisterPool(workers.NewPool(pc, q, handler,
			workers.WithLogger(app.Logger), workers.WithMetrics(app.Metrics)))
	}
	pm.StartAll()
	return pm, nil
}

// NewWorkerCommand creates the 'worker' command.
func NewWorkerCommand(deps *Deps) *cobra.Command {
	var (
		metricsAddr    string
		statusInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued jobs until interrupted",
		Long: `Start the process and sync worker pools against the Redis queues.

Artifact processing and syncs run in separate pools so a backlog of
recordings does not delay follow-ups. Failed jobs are redelivered with
backoff; jobs failing with a non-retryable error go to the dead letter queue.

Prometheus metrics are served on --metrics-addr at /metrics.

Examples:
  meetpipe worker
  meetpipe worker --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			log := app.Logger.With(logging.F("component", "worker"))

			if metricsAddr == "" && deps.Config.Metrics.Enabled {
				metricsAddr = deps.Config.Metrics.Addr
			}
			var srv *http.Server
			if metricsAddr != "" {
				srv = metricsServer(app, metricsAddr)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("Metrics server failed", logging.Err(err))
					}
				}()
				log.Info("Serving metrics", logging.F("addr", metricsAddr))
			}

			pm, err := StartPools(app)
			if err != nil {
				return err
			}
			log.Info("Worker started", logging.F("version", buildinfo.String()))

			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-ticker.C:
					reportQueues(ctx, app, pm, log)
				}
			}

			log.Info("Shutting down workers")
			pm.StopAll()
			if srv != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus endpoint (default from config)")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 30*time.Second, "How often to log pool statistics")
	return cmd
}

func metricsServer(app *App, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{Registry: app.Registry}))
	mux.Handle("/version", buildinfo.Handler("meetpipe-worker"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func reportQueues(ctx context.Context, app *App, pm *workers.PoolManager, log logging.Logger) {
	for name, stats := range pm.AllStats() {
		log.Info("Pool status",
			logging.F("pool", name),
			logging.F("active", stats.ActiveCount),
			logging.F("processed", stats.Processed),
			logging.F("failed", stats.Failed))
	}
	for _, q := range app.Queues {
		depth, err := q.Depth(ctx)
		if err != nil {
			continue
		}
		dead, _ := q.DeadLetters(ctx, 1000)
		ev := &observability.QueueMetricsEvent{
			EventID:   uuid.NewString(),
			Queue:     q.Name(),
			Depth:     depth,
			DLQDepth:  int64(len(dead)),
			Timestamp: time.Now().UTC(),
		}
		if err := app.Events.EmitQueueMetrics(ctx, ev); err != nil {
			log.Debug("queue metrics event not published", logging.Err(err))
		}
	}
}
