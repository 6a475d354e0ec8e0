// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package monitor exposes bot health over HTTP for scraping.
package monitor

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pingu_bot"

// Metrics is the bot-wide metric set. Counters are updated at the same
// call sites where the control plane is notified, so scrape data and API
// state never diverge structurally.
type Metrics struct {
	registry *prometheus.Registry

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	newCrashes    prometheus.Counter
	knownCrashes  prometheus.Counter
	apiFailures   prometheus.Counter
	testcasesRun  prometheus.Counter
	taskDuration  prometheus.Histogram

	mu        sync.Mutex
	taskStart time.Time
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Tasks accepted by the worker, by command.",
			}, []string{"command"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks completed by the worker, by command and final status.",
			}, []string{"command", "status"},
		),
		newCrashes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crashes_new_total",
				Help:      "Crashes that created a new testcase.",
			},
		),
		knownCrashes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crashes_known_total",
				Help:      "Crashes that matched an existing testcase.",
			},
		),
		apiFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_failures_total",
				Help:      "Failed control plane requests.",
			},
		),
		testcasesRun: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "testcases_executed_total",
				Help:      "Testcases executed across fuzzing sessions.",
			},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall clock duration of finished tasks.",
				Buckets:   []float64{10, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
			},
		),
	}
	m.registry.MustRegister(m.tasksStarted, m.tasksFinished, m.newCrashes,
		m.knownCrashes, m.apiFailures, m.testcasesRun, m.taskDuration)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_age_seconds",
			Help:      "Age of the task currently being processed, 0 when idle.",
		}, m.taskAge,
	))
	return m
}

func (m *Metrics) taskAge() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskStart.IsZero() {
		return 0
	}
	return time.Since(m.taskStart).Seconds()
}

func (m *Metrics) TaskStarted(command string) {
	m.tasksStarted.WithLabelValues(command).Inc()
	m.mu.Lock()
	m.taskStart = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) TaskFinished(command, status string) {
	m.tasksFinished.WithLabelValues(command, status).Inc()
	m.mu.Lock()
	if !m.taskStart.IsZero() {
		m.taskDuration.Observe(time.Since(m.taskStart).Seconds())
	}
	m.taskStart = time.Time{}
	m.mu.Unlock()
}

func (m *Metrics) NewCrash()          { m.newCrashes.Inc() }
func (m *Metrics) KnownCrash()        { m.knownCrashes.Inc() }
func (m *Metrics) APIFailure()        { m.apiFailures.Inc() }
func (m *Metrics) TestcasesRun(n int) { m.testcasesRun.Add(float64(n)) }

// Handler serves /metrics and /health with combined-format access logging.
func (m *Metrics) Handler(accessLog io.Writer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK\n")
	})
	return handlers.CombinedLoggingHandler(accessLog, mux)
}

// Serve blocks until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, accessLog io.Writer) error {
	server := &http.Server{
		Addr:    addr,
		Handler: m.Handler(accessLog),
	}
	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
