// Package observability provides the metrics of the scheduler and its status API.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrKind     = "kind"
	attrFailure  = "failure"
	attrCategory = "category"
	attrTimedOut = "timed_out"
	attrSuccess  = "success"
	attrOutcome  = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// /v1/goals/17 -> /v1/goals/{id}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func failureAttr(failure string) attribute.KeyValue {
	return attribute.String(attrFailure, failure)
}

func categoryAttr(category string) attribute.KeyValue {
	return attribute.String(attrCategory, category)
}

func timedOutAttr(timedOut bool) attribute.KeyValue {
	return attribute.Bool(attrTimedOut, timedOut)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces goal ids with a placeholder.
func normalizePath(path string) string {
	const prefix = "/v1/goals/"
	if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
		return prefix + "{id}"
	}
	return path
}

// WithKind returns a metric option with the goal kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}

// WithCategory returns a metric option with the job category attribute.
func WithCategory(category string) metric.MeasurementOption {
	return metric.WithAttributes(categoryAttr(category))
}

func withOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(attrOutcome, outcome))
}
