package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"notifyd/internal/domain"
	"notifyd/internal/store"
	"notifyd/internal/util"
)

type MetricsStore interface {
	CountByStatus(ctx context.Context, f store.MetricsFilter) (map[string]int, error)
	CountByMethod(ctx context.Context, f store.MetricsFilter) (map[string]int, error)
	CountByType(ctx context.Context, f store.MetricsFilter) (map[string]int, error)
	AvgProcessingMillis(ctx context.Context, f store.MetricsFilter) (float64, error)
	RecentFailures(ctx context.Context, f store.MetricsFilter, limit int) ([]store.FailureRow, error)
	OverdueJobs(ctx context.Context, f store.MetricsFilter, now time.Time, limit int) ([]store.OverdueRow, error)
}

type QueueDepths interface {
	Depths(ctx context.Context) (map[string]int64, error)
}

// Metrics is the read-only operational summary over the job store and queue.
type Metrics struct {
	Store MetricsStore
	Queue QueueDepths
}

type metricsSummary struct {
	TotalJobs       int     `json:"total_jobs"`
	SuccessRatePct  int     `json:"success_rate_percent"`
	AvgProcessingMs float64 `json:"avg_processing_time_ms"`
	OverdueJobs     int     `json:"overdue_jobs"`
}

type metricsResponse struct {
	TimeRange      string             `json:"time_range"`
	Summary        metricsSummary     `json:"summary"`
	StatusCounts   map[string]int     `json:"status_counts"`
	DeliveryMethod map[string]int     `json:"delivery_methods"`
	TypeCounts     map[string]int     `json:"notification_types"`
	QueueHealth    map[string]int64   `json:"queue_health"`
	RecentFailures []store.FailureRow `json:"recent_failures"`
	Overdue        []store.OverdueRow `json:"overdue_jobs"`
}

func (m *Metrics) Register(r *mux.Router) {
	r.HandleFunc("/v1/metrics/delivery", m.handleDeliveryMetrics).Methods(http.MethodGet)
}

func (m *Metrics) handleDeliveryMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 168 {
			http.Error(w, ErrInvalidHours, http.StatusBadRequest)
			return
		}
		hours = n
	}

	// elevated scope sees everything; otherwise scoped to the caller's
	// recipients (authn/authz live in front of this service)
	ownerID := ""
	if r.URL.Query().Get("all") != "true" {
		ownerID = r.Header.Get("X-Owner-ID")
	}

	now := util.NowUTC()
	f := store.MetricsFilter{Since: now.Add(-time.Duration(hours) * time.Hour), OwnerID: ownerID}
	ctx := r.Context()

	statusCounts, err := m.Store.CountByStatus(ctx, f)
	if err != nil {
		m.dependencyError(w, "count by status", err)
		return
	}
	methodCounts, err := m.Store.CountByMethod(ctx, f)
	if err != nil {
		m.dependencyError(w, "count by method", err)
		return
	}
	typeCounts, err := m.Store.CountByType(ctx, f)
	if err != nil {
		m.dependencyError(w, "count by type", err)
		return
	}
	avgMs, err := m.Store.AvgProcessingMillis(ctx, f)
	if err != nil {
		m.dependencyError(w, "avg processing time", err)
		return
	}
	failures, err := m.Store.RecentFailures(ctx, f, 10)
	if err != nil {
		m.dependencyError(w, "recent failures", err)
		return
	}
	overdue, err := m.Store.OverdueJobs(ctx, f, now, 10)
	if err != nil {
		m.dependencyError(w, "overdue jobs", err)
		return
	}

	queueHealth := map[string]int64{}
	if m.Queue != nil {
		if depths, err := m.Queue.Depths(ctx); err != nil {
			slog.Warn("queue depth unavailable", "err", err)
		} else {
			queueHealth = depths
		}
	}

	total := 0
	for _, n := range statusCounts {
		total += n
	}
	if failures == nil {
		failures = []store.FailureRow{}
	}
	if overdue == nil {
		overdue = []store.OverdueRow{}
	}

	resp := metricsResponse{
		TimeRange: strconv.Itoa(hours) + "h",
		Summary: metricsSummary{
			TotalJobs:       total,
			SuccessRatePct:  SuccessRatePercent(statusCounts),
			AvgProcessingMs: math.Round(avgMs*100) / 100,
			OverdueJobs:     len(overdue),
		},
		StatusCounts:   statusCounts,
		DeliveryMethod: methodCounts,
		TypeCounts:     typeCounts,
		QueueHealth:    queueHealth,
		RecentFailures: failures,
		Overdue:        overdue,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// SuccessRatePercent is sent/(sent+failed) rounded to a whole percent,
// defined as 0 when no jobs completed.
func SuccessRatePercent(statusCounts map[string]int) int {
	sent := statusCounts[string(domain.StatusSent)]
	failed := statusCounts[string(domain.StatusFailed)]
	if sent+failed == 0 {
		return 0
	}
	return int(math.Round(float64(sent) / float64(sent+failed) * 100))
}

func (m *Metrics) dependencyError(w http.ResponseWriter, op string, err error) {
	slog.Error("metrics query failed", "op", op, "err", err)
	http.Error(w, ErrDependency, http.StatusBadGateway)
}
