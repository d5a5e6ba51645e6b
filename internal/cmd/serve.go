package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
	"github.com/MeKo-Tech/tilescheduler/internal/server/statusapi"
	"github.com/MeKo-Tech/tilescheduler/internal/statlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a scheduler and expose its live status over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("stat-log", "", "Path to a SQLite file recording periodic stat snapshots (disabled if empty)")
	serveCmd.Flags().Duration("stat-interval", 5*time.Second, "Interval between stat-log snapshots")

	mustBind := func(key, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("serve.addr", "addr")
	mustBind("serve.stat_log", "stat-log")
	mustBind("serve.stat_interval", "stat-interval")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	addr := viper.GetString("serve.addr")
	statLogPath := viper.GetString("serve.stat_log")
	statInterval := viper.GetDuration("serve.stat_interval")

	maxRequests, maxRequestsPerServer, priorityHeapLength, throttle := schedulerConfigFromViper()
	cfg := scheduler.DefaultConfig()
	cfg.MaxRequests = maxRequests
	cfg.MaxRequestsPerServer = maxRequestsPerServer
	cfg.PriorityHeapLength = priorityHeapLength
	cfg.ThrottleRequests = throttle
	cfg.Logger = logger

	sched := scheduler.New(cfg)
	api := statusapi.New(sched, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/status", api.Handler())
	mux.Handle("/server-slots", api.ServerSlotsHandler())
	mux.Handle("/heap-slots", api.HeapSlotsHandler())

	if statLogPath != "" {
		statLog, err := statlog.Open(statLogPath)
		if err != nil {
			return fmt.Errorf("failed to open stat log: %w", err)
		}
		defer statLog.Close()

		flusher := statlog.NewPeriodicFlusher(statLog, sched, statInterval)
		flusher.Start()
		defer flusher.Stop()
	}

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			sched.Update()
		}
	}()

	logger.Info("tileschedulerd listening", "addr", addr, "max_requests", maxRequests, "max_requests_per_server", maxRequestsPerServer)
	fmt.Printf("\n  -> http://%s/status\n\n", addr)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
