/*
Package edgereactor implements the per-worker concurrency engine of an
nginx-style HTTP reverse-proxy/static-file gateway: the event loop,
thread pool, per-IP limiter, connection pool and worker-process lifecycle
that a supervisor process forks one of per CPU core.

Modules

  - core/poller: epoll/kqueue-backed reactor event loop
  - core/threadpool: bounded FIFO thread pool for blocking handler work
  - core/limiter: per-IP connection and rate limiting with tumbling windows
  - core/pool: connection pool and connection FSM
  - core/worker: per-process lifecycle (WorkerContext, signal handling,
    accept loop, graceful/immediate shutdown)
  - core/metrics: Prometheus counters/gauges over the worker's stats
  - config: viper-backed configuration with hot reload
  - cmd/worker: the worker process binary

The HTTP/1.1 wire protocol, routing, TLS termination and upstream
proxying are out of scope: this package only supplies the concurrency
substrate a request handler plugs into via worker.RequestHandler.

For more information, see SPEC_FULL.md and DESIGN.md in this repository.
*/
package edgereactor
