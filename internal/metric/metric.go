// Package metric defines the shared vocabulary of meterable resource
// dimensions. Every tenant-scoped counter, aggregate, forecast, and alert
// is keyed by one of these types.
package metric

import (
	"errors"
	"strings"
)

type Type string

const (
	TypeDocumentProcessing Type = "document_processing"
	TypeAPICall            Type = "api_call"
	TypeStorageBytes       Type = "storage_bytes"
	TypeConcurrentUsers    Type = "concurrent_users"
	TypeReportGeneration   Type = "report_generation"
)

var ErrInvalidMetric = errors.New("invalid_metric")

// All lists every known metric type in a stable order.
func All() []Type {
	return []Type{
		TypeDocumentProcessing,
		TypeAPICall,
		TypeStorageBytes,
		TypeConcurrentUsers,
		TypeReportGeneration,
	}
}

// Parse validates a raw metric type string.
func Parse(raw string) (Type, error) {
	value := Type(strings.ToLower(strings.TrimSpace(raw)))
	if !value.Valid() {
		return "", ErrInvalidMetric
	}
	return value, nil
}

func (t Type) Valid() bool {
	switch t {
	case TypeDocumentProcessing, TypeAPICall, TypeStorageBytes, TypeConcurrentUsers, TypeReportGeneration:
		return true
	default:
		return false
	}
}

func (t Type) String() string { return string(t) }
