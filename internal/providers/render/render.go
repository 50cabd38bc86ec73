// Package render turns assembled report data into downloadable artifacts.
package render

import (
	"context"
	"errors"
	"time"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
)

func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatPDF:
		return true
	default:
		return false
	}
}

// Report is the structured input every renderer accepts.
type Report struct {
	TenantID    string    `json:"tenant_id"`
	GeneratedAt time.Time `json:"generated_at"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Metrics []MetricSummary `json:"metrics"`
	Series  []SeriesPoint   `json:"series,omitempty"`

	PendingOverageCost float64 `json:"pending_overage_cost"`
	ActiveAlerts       int     `json:"active_alerts"`
}

type MetricSummary struct {
	Metric       string   `json:"metric"`
	Limit        *float64 `json:"limit"`
	CurrentUsage float64  `json:"current_usage"`
	UsagePercent float64  `json:"usage_percent"`
	Trend        string   `json:"trend,omitempty"`
}

type SeriesPoint struct {
	Metric string    `json:"metric"`
	Date   time.Time `json:"date"`
	Sum    float64   `json:"sum"`
}

type Artifact struct {
	Format      Format `json:"format"`
	ContentType string `json:"content_type"`
	Bytes       []byte `json:"-"`
}

type Provider interface {
	Render(ctx context.Context, report Report) (Artifact, error)
}

var ErrInvalidFormat = errors.New("invalid_report_format")

// ForFormat returns the renderer for a format, defaulting to JSON.
func ForFormat(format Format) (Provider, error) {
	switch format {
	case FormatJSON, "":
		return JSON{}, nil
	case FormatCSV:
		return CSV{}, nil
	case FormatPDF:
		return PDF{}, nil
	default:
		return nil, ErrInvalidFormat
	}
}
