// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kcenon/messaging-system-sub004/internal/breaker"
	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"go.uber.org/zap"
)

// Handler holds the API handler dependencies
type Handler struct {
	cfg      *config.Config
	apiCfg   *Config
	deps     Dependencies
	logger   *zap.Logger
	auditLog *AuditLogger
}

// NewHandler creates a new API handler
func NewHandler(cfg *config.Config, apiCfg *Config, deps Dependencies, logger *zap.Logger, auditLog *AuditLogger) *Handler {
	return &Handler{
		cfg:      cfg,
		apiCfg:   apiCfg,
		deps:     deps,
		logger:   logger,
		auditLog: auditLog,
	}
}

func breakerStateString(s breaker.State) string {
	switch s {
	case breaker.Closed:
		return "closed"
	case breaker.HalfOpen:
		return "half_open"
	case breaker.Open:
		return "open"
	default:
		return "unknown"
	}
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Bus.Stats()

	response := StatsResponse{
		Published:         stats.Published,
		Delivered:         stats.Delivered,
		Failed:            stats.Failed,
		PendingRequests:   stats.PendingRequests,
		QueueDepth:        stats.QueueDepth,
		WorkerUtilization: stats.WorkerUtilization,
		BreakerState:      breakerStateString(h.deps.Pool.BreakerState()),
		InFlight:          len(h.deps.Pool.InFlightSnapshot()),
		Timestamp:         time.Now(),
	}

	writeJSON(w, http.StatusOK, response)
}

// GetStatsKeys handles GET /api/v1/stats/keys
func (h *Handler) GetStatsKeys(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Bus.Stats()
	snapshot := h.deps.Pool.InFlightSnapshot()

	inFlightJobs := make([]string, 0, len(snapshot))
	for jobID := range snapshot {
		inFlightJobs = append(inFlightJobs, jobID)
	}
	sort.Strings(inFlightJobs)

	response := StatsKeysResponse{
		QueueDepth:   stats.QueueDepth,
		InFlightJobs: inFlightJobs,
		BreakerState: breakerStateString(h.deps.Pool.BreakerState()),
		Timestamp:    time.Now(),
	}

	writeJSON(w, http.StatusOK, response)
}

// PeekQueue handles GET /api/v1/queues/{queue}/peek. Since jobqueue.Queue
// has no non-destructive read, jobs are drained and immediately requeued;
// the count visible may undercount briefly-in-flight jobs racing a worker.
func (h *Handler) PeekQueue(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "Invalid path format")
		return
	}
	queue := parts[4]

	count := 10
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 && n <= 100 {
			count = n
		}
	}

	q := h.queueByName(queue)
	if q == nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_QUEUE", fmt.Sprintf("queue %q is not recognized", queue))
		return
	}

	jobs := drainQueue(q, count)
	requeue(q, jobs)

	response := PeekResponse{
		Queue:     queue,
		Items:     summarize(jobs),
		Count:     len(jobs),
		Timestamp: time.Now(),
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) queueByName(name string) jobqueue.Queue {
	switch name {
	case "main", "":
		return h.deps.MainQueue
	case "dead", "dlq", "dead_letter":
		return h.deps.DeadQueue
	default:
		return nil
	}
}

// PurgeDLQ handles DELETE /api/v1/queues/dlq
func (h *Handler) PurgeDLQ(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.Confirmation != h.apiCfg.DLQPhrase() {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("Confirmation phrase must be '%s'", h.apiCfg.DLQPhrase()))
		return
	}

	if req.Reason == "" || len(req.Reason) < 3 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "A valid reason is required for this operation")
		return
	}

	drained := drainQueue(h.deps.DeadQueue, 100000)

	if h.auditLog != nil {
		entry := AuditEntry{
			ID:        generateID(),
			Timestamp: time.Now(),
			Action:    "PURGE_DLQ",
			Resource:  "dead_letter_queue",
			Result:    "SUCCESS",
			Reason:    req.Reason,
			Details: map[string]interface{}{
				"items_deleted": len(drained),
			},
			IP:        getClientIP(r),
			UserAgent: r.UserAgent(),
		}

		if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
			entry.User = claims.Subject
		}

		h.auditLog.Log(entry)
	}

	response := PurgeResponse{
		Success:      true,
		ItemsDeleted: int64(len(drained)),
		Message:      fmt.Sprintf("Successfully purged %d items from dead letter queue", len(drained)),
		Timestamp:    time.Now(),
	}

	writeJSON(w, http.StatusOK, response)
}

// PurgeAll handles DELETE /api/v1/queues/all
func (h *Handler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	expectedPhrase := h.apiCfg.PurgeAllPhrase()
	if req.Confirmation != expectedPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("Confirmation phrase must be '%s' for purging all queues", expectedPhrase))
		return
	}

	if req.Reason == "" || len(req.Reason) < 10 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "A detailed reason (min 10 chars) is required for this operation")
		return
	}

	mainDrained := drainQueue(h.deps.MainQueue, 100000)
	deadDrained := drainQueue(h.deps.DeadQueue, 100000)
	deleted := len(mainDrained) + len(deadDrained)

	if h.auditLog != nil {
		entry := AuditEntry{
			ID:        generateID(),
			Timestamp: time.Now(),
			Action:    "PURGE_ALL",
			Resource:  "ALL_QUEUES",
			Result:    "SUCCESS",
			Reason:    req.Reason,
			Details: map[string]interface{}{
				"jobs_deleted": deleted,
			},
			IP:        getClientIP(r),
			UserAgent: r.UserAgent(),
		}

		if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
			entry.User = claims.Subject
		}

		h.auditLog.Log(entry)
	}

	response := PurgeResponse{
		Success:      true,
		ItemsDeleted: int64(deleted),
		Message:      fmt.Sprintf("Successfully purged %d jobs from all queues", deleted),
		Timestamp:    time.Now(),
	}

	writeJSON(w, http.StatusOK, response)
}

// RunBenchmark handles POST /api/v1/bench. It enqueues req.Count synthetic
// jobs onto the live main queue, measures the wall-clock time for a worker
// to drain them via a completion channel each job signals on, and reports
// throughput and tail latency over that round trip.
func (h *Handler) RunBenchmark(w http.ResponseWriter, r *http.Request) {
	var req BenchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.Count <= 0 || req.Count > 10000 {
		writeError(w, http.StatusBadRequest, "INVALID_COUNT", "Count must be between 1 and 10000")
		return
	}

	if req.Priority != "high" && req.Priority != "low" {
		writeError(w, http.StatusBadRequest, "INVALID_PRIORITY", "Priority must be 'high' or 'low'")
		return
	}

	if req.Rate <= 0 {
		req.Rate = 100
	}

	timeout := 30 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	jobType := jobqueue.TypeLow
	if req.Priority == "high" {
		jobType = jobqueue.TypeHigh
	}

	result, err := h.runBenchmark(r.Context(), jobType, req.Count, req.Rate, timeout)
	if err != nil {
		h.logger.Error("failed to run benchmark", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "BENCH_ERROR", "Failed to run benchmark")
		return
	}

	if h.auditLog != nil {
		entry := AuditEntry{
			ID:        generateID(),
			Timestamp: time.Now(),
			Action:    "RUN_BENCHMARK",
			Resource:  req.Priority,
			Result:    "SUCCESS",
			Details: map[string]interface{}{
				"count":      req.Count,
				"rate":       req.Rate,
				"throughput": result.Throughput,
			},
			IP:        getClientIP(r),
			UserAgent: r.UserAgent(),
		}

		if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
			entry.User = claims.Subject
		}

		h.auditLog.Log(entry)
	}

	response := BenchResponse{
		Count:      result.Count,
		Duration:   result.Duration,
		Throughput: result.Throughput,
		P50:        result.P50,
		P95:        result.P95,
		Timestamp:  time.Now(),
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) runBenchmark(ctx context.Context, typ jobqueue.Type, count, rate int, timeout time.Duration) (BenchResponse, error) {
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan time.Duration, count)
	interval := time.Second / time.Duration(rate)

	for i := 0; i < count; i++ {
		start := time.Now()
		job := jobqueue.New(fmt.Sprintf("bench-%d-%d", start.UnixNano(), i), "bench", typ, func(ctx context.Context) jobqueue.Result {
			select {
			case done <- time.Since(start):
			default:
			}
			return jobqueue.Result{Success: true}
		})
		if err := h.deps.MainQueue.Enqueue(bctx, job); err != nil {
			return BenchResponse{}, err
		}
		if rate > 0 {
			time.Sleep(interval)
		}
	}

	latencies := make([]time.Duration, 0, count)
	start := time.Now()
	for len(latencies) < count {
		select {
		case d := <-done:
			latencies = append(latencies, d)
		case <-bctx.Done():
			return percentileResult(latencies, time.Since(start)), nil
		}
	}
	return percentileResult(latencies, time.Since(start)), nil
}

func percentileResult(latencies []time.Duration, elapsed time.Duration) BenchResponse {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var p50, p95 time.Duration
	if n := len(latencies); n > 0 {
		p50 = latencies[n*50/100]
		p95 = latencies[minInt(n*95/100, n-1)]
	}
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(len(latencies)) / elapsed.Seconds()
	}
	return BenchResponse{
		Count:      len(latencies),
		Duration:   elapsed,
		Throughput: throughput,
		P50:        p50,
		P95:        p95,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" {
		requestID = generateID()
		w.Header().Set("X-Request-ID", requestID)
	}

	response := ErrorResponse{
		Error:     message,
		Code:      code,
		Status:    status,
		RequestID: requestID,
		Timestamp: time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
