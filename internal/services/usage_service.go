package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/repository"
)

// Usage errors
var (
	ErrInvalidDateRange = errors.New("startDate must be before endDate")
	ErrInvalidDayCount  = errors.New("days must be between 1 and 365")
)

// ModelPrice is the advisory list price per 1K tokens in USD. Cost figures
// derived from it are estimates, not billing data.
type ModelPrice struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

var priceTable = map[string]map[string]ModelPrice{
	ProviderOpenAI: {
		"gpt-4o":        {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
		"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
		"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
		"gpt-3.5-turbo": {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	},
	ProviderGemini: {
		"gemini-1.5-pro":   {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
		"gemini-1.5-flash": {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
		"gemini-2.0-flash": {PromptPer1K: 0.0001, CompletionPer1K: 0.0004},
	},
	ProviderClaude: {
		"claude-3-5-sonnet-20241022": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
		"claude-3-5-haiku-20241022":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
		"claude-3-opus-20240229":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	},
}

// UsageBreakdown is one aggregation bucket of the report.
type UsageBreakdown struct {
	Jobs             int64   `json:"jobs"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// DailyUsage is one calendar day of the report.
type DailyUsage struct {
	Date             string  `json:"date"`
	Jobs             int64   `json:"jobs"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// UsageReport aggregates finished jobs over a date range.
type UsageReport struct {
	StartDate        time.Time                  `json:"startDate"`
	EndDate          time.Time                  `json:"endDate"`
	TotalJobs        int64                      `json:"totalJobs"`
	Completed        int64                      `json:"completed"`
	Failed           int64                      `json:"failed"`
	PromptTokens     int64                      `json:"promptTokens"`
	CompletionTokens int64                      `json:"completionTokens"`
	TotalTokens      int64                      `json:"totalTokens"`
	EstimatedCostUSD float64                    `json:"estimatedCostUsd"`
	ByProvider       map[string]*UsageBreakdown `json:"byProvider"`
	ByModel          map[string]*UsageBreakdown `json:"byModel"`
	Daily            []DailyUsage               `json:"daily"`
}

// UsageService turns job history into usage and cost reports.
type UsageService struct {
	jobs   repository.JobRepositoryInterface
	logger *logrus.Entry
	now    func() time.Time
}

// NewUsageService creates a new usage service
func NewUsageService(jobs repository.JobRepositoryInterface, logger *logrus.Logger) *UsageService {
	if logger == nil {
		logger = logrus.New()
	}
	return &UsageService{
		jobs:   jobs,
		logger: logger.WithField("component", "usage-service"),
		now:    time.Now,
	}
}

// GenerateReport aggregates usage between start (inclusive) and end
// (exclusive), optionally filtered to one user and/or provider.
func (s *UsageService) GenerateReport(ctx context.Context, start, end time.Time, userID *uuid.UUID, provider string) (*UsageReport, error) {
	if !start.Before(end) {
		return nil, ErrInvalidDateRange
	}

	rows, err := s.jobs.AggregateUsage(ctx, start, end, userID, provider)
	if err != nil {
		return nil, err
	}

	report := &UsageReport{
		StartDate:  start,
		EndDate:    end,
		ByProvider: make(map[string]*UsageBreakdown),
		ByModel:    make(map[string]*UsageBreakdown),
	}
	daily := make(map[string]*DailyUsage)

	for _, row := range rows {
		cost := estimateCost(row.Provider, row.Model, row.PromptTokens, row.CompletionTokens)

		report.TotalJobs += row.Jobs
		report.Completed += row.Completed
		report.Failed += row.Failed
		report.PromptTokens += row.PromptTokens
		report.CompletionTokens += row.CompletionTokens
		report.TotalTokens += row.TotalTokens
		report.EstimatedCostUSD += cost

		pb := report.ByProvider[row.Provider]
		if pb == nil {
			pb = &UsageBreakdown{}
			report.ByProvider[row.Provider] = pb
		}
		addBucket(pb, row.Jobs, row.Completed, row.Failed, row.PromptTokens, row.CompletionTokens, row.TotalTokens, cost)

		mb := report.ByModel[row.Model]
		if mb == nil {
			mb = &UsageBreakdown{}
			report.ByModel[row.Model] = mb
		}
		addBucket(mb, row.Jobs, row.Completed, row.Failed, row.PromptTokens, row.CompletionTokens, row.TotalTokens, cost)

		day := row.Day.Format("2006-01-02")
		du := daily[day]
		if du == nil {
			du = &DailyUsage{Date: day}
			daily[day] = du
		}
		du.Jobs += row.Jobs
		du.TotalTokens += row.TotalTokens
		du.EstimatedCostUSD += cost
	}

	for _, du := range daily {
		report.Daily = append(report.Daily, *du)
	}
	sort.Slice(report.Daily, func(i, j int) bool {
		return report.Daily[i].Date < report.Daily[j].Date
	})

	return report, nil
}

// CurrentMonth reports usage from the first of the current month until now
func (s *UsageService) CurrentMonth(ctx context.Context, userID *uuid.UUID) (*UsageReport, error) {
	now := s.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.GenerateReport(ctx, start, now, userID, "")
}

// LastNDays reports usage over the trailing n days, 1 to 365
func (s *UsageService) LastNDays(ctx context.Context, userID *uuid.UUID, days int) (*UsageReport, error) {
	if days < 1 || days > 365 {
		return nil, ErrInvalidDayCount
	}
	end := s.now().UTC()
	start := end.AddDate(0, 0, -days)
	return s.GenerateReport(ctx, start, end, userID, "")
}

// ExportCSV renders a report as CSV. Pure formatting, no extra queries.
func (s *UsageService) ExportCSV(report *UsageReport) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"date", "jobs", "total_tokens", "estimated_cost_usd"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, d := range report.Daily {
		record := []string{
			d.Date,
			fmt.Sprintf("%d", d.Jobs),
			fmt.Sprintf("%d", d.TotalTokens),
			fmt.Sprintf("%.6f", d.EstimatedCostUSD),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	if err := w.Write([]string{"total",
		fmt.Sprintf("%d", report.TotalJobs),
		fmt.Sprintf("%d", report.TotalTokens),
		fmt.Sprintf("%.6f", report.EstimatedCostUSD),
	}); err != nil {
		return "", err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func addBucket(b *UsageBreakdown, jobs, completed, failed, prompt, completion, total int64, cost float64) {
	b.Jobs += jobs
	b.Completed += completed
	b.Failed += failed
	b.PromptTokens += prompt
	b.CompletionTokens += completion
	b.TotalTokens += total
	b.EstimatedCostUSD += cost
}

// estimateCost prices a bucket by the static list price table. Unknown
// models cost zero rather than failing the report.
func estimateCost(provider, model string, promptTokens, completionTokens int64) float64 {
	price, ok := priceTable[provider][model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*price.PromptPer1K +
		float64(completionTokens)/1000*price.CompletionPer1K
}
