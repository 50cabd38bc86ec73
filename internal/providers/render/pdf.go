package render

import (
	"context"
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type PDF struct{}

func (PDF) Render(_ context.Context, report Report) (Artifact, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Usage Report", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(16,
		col.New(6).Add(
			text.New("Tenant: "+report.TenantID, props.Text{Top: 0}),
			text.New("Generated: "+report.GeneratedAt.Format(time.RFC3339), props.Text{Top: 4}),
			text.New(fmt.Sprintf("Period: %s to %s",
				report.PeriodStart.Format(time.DateOnly),
				report.PeriodEnd.Format(time.DateOnly)), props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New(fmt.Sprintf("Pending overage cost: %.2f", report.PendingOverageCost), props.Text{Top: 0}),
			text.New(fmt.Sprintf("Active alerts: %d", report.ActiveAlerts), props.Text{Top: 4}),
		),
	)

	m.AddRow(8,
		text.NewCol(4, "Metric", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Limit", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Usage", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Percent", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Trend", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, row := range report.Metrics {
		limit := "unlimited"
		if row.Limit != nil {
			limit = fmt.Sprintf("%.0f", *row.Limit)
		}
		m.AddRow(8,
			text.NewCol(4, row.Metric, props.Text{Size: 9}),
			text.NewCol(2, limit, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%.2f", row.CurrentUsage), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%.1f%%", row.UsagePercent), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, row.Trend, props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(report.Series) > 0 {
		m.AddRow(10,
			text.NewCol(12, "Daily usage", props.Text{Style: fontstyle.Bold, Size: 11, Top: 2}),
		)
		for _, p := range report.Series {
			m.AddRow(6,
				text.NewCol(4, p.Metric, props.Text{Size: 8}),
				text.NewCol(4, p.Date.Format(time.DateOnly), props.Text{Size: 8}),
				text.NewCol(4, fmt.Sprintf("%.2f", p.Sum), props.Text{Size: 8, Align: align.Right}),
			)
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Format:      FormatPDF,
		ContentType: "application/pdf",
		Bytes:       doc.GetBytes(),
	}, nil
}
