// btautoscaler runs the autoscaler service: the scheduling loop on a fixed
// cadence plus the admin HTTP API. Multiple instances may run against the
// same Postgres store; they coordinate only through the store's claim.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lumahq/bigtable-autoscaler/api"
	"github.com/lumahq/bigtable-autoscaler/autoscaler"
	"github.com/lumahq/bigtable-autoscaler/autoscaler/filters"
	"github.com/lumahq/bigtable-autoscaler/common/stats"
	"github.com/lumahq/bigtable-autoscaler/db"
	"github.com/lumahq/bigtable-autoscaler/execute"
	"github.com/lumahq/bigtable-autoscaler/sessions"
	"github.com/lumahq/bigtable-autoscaler/stackdriver"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "btautoscaler",
		Short: "Autoscaler for managed Bigtable clusters",
		RunE:  run,
	}

	flags := rootCmd.Flags()
	flags.String("postgres-url", "", "Postgres connection URL; empty runs an in-memory store (single host only)")
	flags.String("http-addr", ":8080", "bind address for the admin API")
	flags.Duration("interval", 30*time.Second, "delay between scheduling cycles")
	flags.Duration("check-interval", 30*time.Second, "minimum time between checks of the same cluster")
	flags.Int("batch-size", autoscaler.DefaultBatchSize, "max clusters claimed and dispatched per cycle")
	flags.Int("pool-size", 16, "max concurrently running autoscale jobs")
	flags.Duration("job-timeout", autoscaler.DefaultJobTimeout, "per-job execution timeout")
	flags.Duration("cpu-window", 5*time.Minute, "lookback window for the CPU load average")
	flags.Int("session-cache-size", 64, "max cached Bigtable admin sessions (one per project)")
	flags.String("project-filter", "", "only autoscale clusters of this GCP project")
	flags.StringSlice("cluster-filter", nil, "only autoscale clusters with these cluster IDs")
	flags.String("log-level", "info", "logrus level: debug, info, warn, error")

	viper.SetEnvPrefix("BTAUTOSCALER")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		log.Fatal(err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stat := stats.DefaultStatsReceiver()

	database, err := openDatabase(ctx)
	if err != nil {
		return err
	}

	provider, err := sessions.NewGoogleProvider(viper.GetInt("session-cache-size"), stat.Scope("sessions"))
	if err != nil {
		return fmt.Errorf("creating session provider: %w", err)
	}

	cpuSource, err := stackdriver.NewClient(ctx, viper.GetDuration("cpu-window"))
	if err != nil {
		return fmt.Errorf("creating stackdriver client: %w", err)
	}
	defer cpuSource.Close()

	executor := execute.NewPoolExecutor(viper.GetInt("pool-size"), stat.Scope("execute"))
	scaler := autoscaler.New(
		database,
		provider,
		&autoscaler.DefaultJobFactory{
			CPUSource:  cpuSource,
			JobTimeout: viper.GetDuration("job-timeout"),
		},
		executor,
		buildFilter(),
		viper.GetInt("batch-size"),
		stat.Scope("autoscaler"),
	)

	server := &http.Server{
		Addr:    viper.GetString("http-addr"),
		Handler: api.NewHandler(database, stat).Router(),
	}
	go func() {
		log.WithFields(log.Fields{"addr": server.Addr}).Info("admin API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{"err": err}).Fatal("admin API server failed")
		}
	}()

	// Cycle cadence lives here, outside the loop itself: one tick, one cycle.
	interval := viper.GetDuration("interval")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.WithFields(log.Fields{"interval": interval}).Info("autoscaler started")

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.WithFields(log.Fields{"err": err}).Warn("admin API shutdown")
			}
			executor.Wait()
			return nil
		case <-ticker.C:
			if err := scaler.Run(ctx); err != nil {
				// A failed cycle processed nothing; the next tick retries.
				log.WithFields(log.Fields{"err": err}).Error("autoscale cycle failed")
			}
		}
	}
}

func openDatabase(ctx context.Context) (db.Database, error) {
	url := viper.GetString("postgres-url")
	checkInterval := viper.GetDuration("check-interval")
	if url == "" {
		log.Warn("no postgres-url configured, using in-memory store; cross-host coordination disabled")
		return db.NewMemStore(checkInterval), nil
	}
	store, err := db.NewPostgresStore(ctx, url, checkInterval)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildFilter() filters.ClusterFilter {
	if ids := viper.GetStringSlice("cluster-filter"); len(ids) > 0 {
		return filters.NewClusterIDs(ids...)
	}
	if project := viper.GetString("project-filter"); project != "" {
		return filters.Project(project)
	}
	return filters.AllowAll{}
}
