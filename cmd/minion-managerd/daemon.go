package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coriolis/minion-manager/internal/allocsvc"
	"github.com/coriolis/minion-manager/internal/config"
	"github.com/coriolis/minion-manager/internal/cronengine"
	"github.com/coriolis/minion-manager/internal/lockregistry"
	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/metrics"
	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/rpcserver"
	"github.com/coriolis/minion-manager/internal/store"
	"github.com/coriolis/minion-manager/internal/taskflow"
	"github.com/coriolis/minion-manager/internal/tasklib"
)

// daemonCmd runs the Allocation Service as a long-lived process: it opens
// the Store, wires the Task Library and Flow Builder onto the TaskFlow
// Runner, recovers pool refresh schedules, and serves the RPC boundary
// plus the /metrics and /health HTTP endpoints until signalled to stop.
func daemonCmd() *cobra.Command {
	var (
		logLevel  string
		rpcAddr   string
		storeMode string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the minion-managerd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(cfg, configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			cfg = config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Logging.Level)

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := observability.Shutdown(shutdownCtx); err != nil {
					logging.Op().Error("shutdown tracing", "error", err)
				}
			}()

			var collectors *metrics.Collectors
			if cfg.Metrics.Enabled {
				collectors = metrics.Init("minion_manager")
			}

			var st store.Store
			switch storeMode {
			case "memory":
				logging.Op().Warn("running with the in-memory store; data does not survive a restart")
				st = store.NewMemoryStore()
			case "", "postgres":
				if cfg.Postgres.DSN == "" {
					return errors.New("postgres DSN is required (set --pg-dsn, MINION_MANAGER_PG_DSN, or postgres.dsn in the config file), or pass --store=memory for development")
				}
				pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("open postgres store: %w", err)
				}
				defer pgStore.Close()
				st = pgStore
			default:
				return fmt.Errorf("unknown --store value %q (want postgres or memory)", storeMode)
			}

			locks := lockregistry.NewWithStore(st)
			cron := cronengine.New()
			cron.Start()
			defer cron.Stop()

			runner := taskflow.New(cfg.Runner.MaxWorkers)
			runner.TaskTimeout = cfg.Runner.TaskTimeout

			tasks := &tasklib.Tasks{
				Store:            st,
				WorkerAddr:       cfg.RPC.WorkerAddr,
				SchedulerAddr:    cfg.RPC.SchedulerAddr,
				ConductorAddr:    cfg.RPC.ConductorAddr,
				WorkerFactory:    rpcclients.NewWorkerClientFactory(),
				SchedulerFactory: rpcclients.NewSchedulerClientFactory(),
				ConductorFactory: rpcclients.NewConductorClientFactory(),
			}

			svc := allocsvc.New(st, locks, cron, runner, tasks,
				rpcclients.NewConductorClientFactory(), cfg.RPC.ConductorAddr,
				cfg.Cron.DefaultRefreshPeriodMinutes)

			if err := svc.RecoverSchedules(ctx); err != nil {
				logging.Op().Error("recover refresh schedules", "error", err)
			}

			if collectors != nil {
				go runMetricsSweep(ctx, st, cfg.Metrics.SweepInterval)
			}

			rpcSrv := rpcserver.New(svc)
			rpcErrCh := make(chan error, 1)
			go func() {
				addr := rpcAddr
				if addr == "" {
					addr = ":7100"
				}
				logging.Op().Info("serving RPC", "addr", addr)
				rpcErrCh <- rpcSrv.Serve(addr)
			}()
			defer rpcSrv.Stop()

			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if err := st.Ping(r.Context()); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
					return
				}
				fmt.Fprint(w, `{"status":"ok"}`)
			})
			if collectors != nil {
				mux.Handle("/metrics", collectors.Handler())
			}

			httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
			httpErrCh := make(chan error, 1)
			go func() {
				logging.Op().Info("serving metrics/health", "addr", cfg.Metrics.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					httpErrCh <- err
					return
				}
				httpErrCh <- nil
			}()

			select {
			case <-ctx.Done():
				logging.Op().Info("shutting down")
			case err := <-rpcErrCh:
				if err != nil && !errors.Is(err, net.ErrClosed) {
					logging.Op().Error("rpc server stopped", "error", err)
				}
			case err := <-httpErrCh:
				if err != nil {
					logging.Op().Error("http server stopped", "error", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logging.Op().Error("shutdown http server", "error", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&rpcAddr, "rpc-addr", ":7100", "Address to serve the RPC boundary on")
	cmd.Flags().StringVar(&storeMode, "store", "postgres", "Store backend: postgres or memory")

	return cmd
}

// runMetricsSweep periodically recomputes the pools_by_status and
// machines_by_status gauges from the Store, rather than trying to keep them
// in lockstep with every individual status transition scattered across
// tasklib. It runs until ctx is cancelled.
func runMetricsSweep(ctx context.Context, st store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepMetricsOnce(ctx, st)
		}
	}
}

func sweepMetricsOnce(ctx context.Context, st store.Store) {
	pools, err := st.ListPools(ctx, store.PoolFilter{})
	if err != nil {
		logging.Op().Error("metrics sweep: list pools", "error", err)
		return
	}

	poolCounts := make(map[store.PoolStatus]int, len(pools))
	metrics.ResetMachineStatusCounts()
	for _, p := range pools {
		poolCounts[p.Status]++

		machines, err := st.GetMachinesByPool(ctx, p.ID)
		if err != nil {
			logging.Op().Error("metrics sweep: list machines", "pool_id", p.ID, "error", err)
			continue
		}
		machineCounts := make(map[store.MachineStatus]int, len(machines))
		for _, m := range machines {
			machineCounts[m.Status]++
		}
		metrics.RecordMachineStatusCounts(p.ID, machineCounts)
	}
	metrics.RecordPoolStatusCounts(poolCounts)
}
