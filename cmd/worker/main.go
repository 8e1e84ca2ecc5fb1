// Command worker is a single worker process's entry point (spec.md §4.5
// "worker_process_run"). It takes its worker id from WORKER_PROCESS_ID
// (falling back to its pid) and binds its own listener on the configured
// port; it does not accept a listen fd passed in by a supervisor.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/fastgateway/edgereactor/config"
	"github.com/fastgateway/edgereactor/core/metrics"
	"github.com/fastgateway/edgereactor/core/pool"
	"github.com/fastgateway/edgereactor/core/worker"
)

var (
	flagConfigPath  string
	flagMetricsAddr string
	flagGCPercent   int
)

var rootCmd = &cobra.Command{
	Use:     "worker",
	Short:   "edgereactor worker process",
	Long:    "Runs one worker process of the edgereactor gateway: event loop, thread pool, limiter and connection pool wired together per its configuration.",
	Version: "0.1.0",
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigPath, "config", "", "path to the gateway config file (YAML/JSON/TOML)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	rootCmd.Flags().IntVar(&flagGCPercent, "gc-percent", 100, "runtime/debug.SetGCPercent value for this worker")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	workerID := os.Getenv("WORKER_PROCESS_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("%d", os.Getpid())
	}

	log := logrus.NewEntry(logrus.StandardLogger()).WithField("worker_id", workerID)

	debug.SetGCPercent(flagGCPercent)

	store, err := config.NewStore(flagConfigPath, log)
	if err != nil {
		return fmt.Errorf("worker: load config: %w", err)
	}
	cfg := store.Snapshot()

	listenFD, ln, err := bindListener(cfg.Port)
	if err != nil {
		return fmt.Errorf("worker: bind listener: %w", err)
	}
	defer ln.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	go serveMetrics(flagMetricsAddr, registry, log)

	return runAndObserve(workerID, listenFD, store, m, log)
}

// bindListener opens the TCP listener the worker accepts connections
// from and extracts its raw, non-blocking file descriptor — standing in
// for the supervisor's fd hand-off (spec.md §6, out of scope here).
func bindListener(port int) (int, *net.TCPListener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, nil, err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return 0, nil, err
	}
	f, err := ln.File()
	if err != nil {
		ln.Close()
		return 0, nil, err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		ln.Close()
		return 0, nil, err
	}
	return fd, ln, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server exited")
	}
}

// runAndObserve runs the worker lifecycle to completion, sampling its
// counters into m on a ticker alongside it (spec.md's stats surface is
// pull-based from the supervisor's perspective; this ticker plays that
// role for the local Prometheus registry).
func runAndObserve(workerID string, listenFD int, store *config.Store, m *metrics.Metrics, log *logrus.Entry) error {
	stop := make(chan struct{})

	onReady := func(ctx *worker.Context) {
		ticker := time.NewTicker(time.Second)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.ObserveWorker(ctx)
					m.ObservePool(ctx.Pool.GetStats())
				case <-stop:
					return
				}
			}
		}()
	}

	handler := func(conn *pool.Connection, data []byte, ctx *worker.Context) {
		// The HTTP/proxy layer is out of scope (spec.md §1); a real
		// deployment wires a handler here that parses data as an HTTP
		// request and queues a response via conn.QueueWrite. This
		// placeholder just echoes the byte count back so the write path
		// (afterHandler / makeWriteCallback) is exercised end to end.
		resp := fmt.Appendf(nil, "read %d bytes\n", len(data))
		conn.QueueWrite(resp)
		ctx.AddBytesSent(len(resp))
	}

	err := worker.Run(workerID, listenFD, store, handler, onReady, log)
	close(stop)
	if err != nil {
		log.WithError(err).Error("worker exited with error")
	}
	return err
}
