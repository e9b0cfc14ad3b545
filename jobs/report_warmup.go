package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/fontetax/fontetax/internal/jobs"
	"github.com/fontetax/fontetax/internal/withholding"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReportWarmupJob pre-populates the withholding report cache for every
// company with withheld invoices, so month-end filing requests hit Redis.
type ReportWarmupJob struct {
	Reporter *withholding.Reporter
	Pool     *pgxpool.Pool
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewReportWarmupJob wires dependencies for the warmup handler.
func NewReportWarmupJob(reporter *withholding.Reporter, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportWarmupJob {
	return &ReportWarmupJob{
		Reporter: reporter,
		Pool:     pool,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes report warmup tasks.
func (j *ReportWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reporter == nil || j.Pool == nil {
		return errors.New("report warmup: handler not configured")
	}
	var payload ReportWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	from, to, err := j.period(payload.Period)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskReportWarmup)
	return tracker.End(j.run(ctx, from, to))
}

func (j *ReportWarmupJob) run(ctx context.Context, from, to time.Time) error {
	logger := j.logger().With(slog.String("from", from.Format("2006-01-02")), slog.String("to", to.Format("2006-01-02")))
	logger.Info("starting report warmup")

	companies, err := j.fetchCompanies(ctx, from, to)
	if err != nil {
		logger.Error("load warmup companies", slog.Any("error", err))
		return err
	}
	if len(companies) == 0 {
		logger.Info("no companies with withheld invoices in period")
		return nil
	}

	warmed := 0
	for _, companyID := range companies {
		if _, err := j.Reporter.PeriodReport(ctx, companyID, from, to); err != nil {
			if errors.Is(err, withholding.ErrNoInvoicesInPeriod) {
				continue
			}
			logger.Error("warm company report", slog.Int64("company_id", companyID), slog.Any("error", err))
			return err
		}
		warmed++
	}
	logger.Info("report warmup finished", slog.Int("warmed", warmed))
	return nil
}

func (j *ReportWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// period resolves the payload period, defaulting to the previous calendar
// month.
func (j *ReportWarmupJob) period(raw string) (time.Time, time.Time, error) {
	if raw == "" {
		now := j.clock()
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		from := first.AddDate(0, -1, 0)
		return from, first.AddDate(0, 0, -1), nil
	}
	from, err := time.Parse("2006-01", raw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, from.AddDate(0, 1, -1), nil
}

func (j *ReportWarmupJob) fetchCompanies(ctx context.Context, from, to time.Time) ([]int64, error) {
	rows, err := j.Pool.Query(ctx, `SELECT DISTINCT company_id FROM invoices
WHERE status='POSTED' AND withholding_amount > 0 AND date >= $1 AND date <= $2 ORDER BY company_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (j *ReportWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
