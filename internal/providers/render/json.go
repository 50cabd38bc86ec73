package render

import (
	"context"
	"encoding/json"
)

type JSON struct{}

func (JSON) Render(_ context.Context, report Report) (Artifact, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Format:      FormatJSON,
		ContentType: "application/json",
		Bytes:       data,
	}, nil
}
