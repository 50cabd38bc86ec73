package render

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"time"
)

type CSV struct{}

func (CSV) Render(_ context.Context, report Report) (Artifact, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"metric", "limit", "current_usage", "usage_percent", "trend"}); err != nil {
		return Artifact{}, err
	}
	for _, m := range report.Metrics {
		limit := ""
		if m.Limit != nil {
			limit = strconv.FormatFloat(*m.Limit, 'f', -1, 64)
		}
		record := []string{
			m.Metric,
			limit,
			strconv.FormatFloat(m.CurrentUsage, 'f', -1, 64),
			strconv.FormatFloat(m.UsagePercent, 'f', 2, 64),
			m.Trend,
		}
		if err := w.Write(record); err != nil {
			return Artifact{}, err
		}
	}

	if len(report.Series) > 0 {
		if err := w.Write([]string{}); err != nil {
			return Artifact{}, err
		}
		if err := w.Write([]string{"metric", "date", "sum"}); err != nil {
			return Artifact{}, err
		}
		for _, p := range report.Series {
			record := []string{
				p.Metric,
				p.Date.Format(time.DateOnly),
				strconv.FormatFloat(p.Sum, 'f', -1, 64),
			}
			if err := w.Write(record); err != nil {
				return Artifact{}, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Format:      FormatCSV,
		ContentType: "text/csv",
		Bytes:       buf.Bytes(),
	}, nil
}
