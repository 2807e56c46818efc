// Package observability provides metrics for the map generation server.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrSize      = "size"
	attrProvider  = "provider"
	attrSuccess   = "success"
	attrRPCMethod = "rpc_method"
	attrOutcome   = "outcome"
	attrTransport = "transport"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func sizeAttr(size string) attribute.KeyValue {
	return attribute.String(attrSize, size)
}

func providerAttr(name string) attribute.KeyValue {
	if name == "" {
		name = "none"
	}
	return attribute.String(attrProvider, name)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func rpcMethodAttr(method string) attribute.KeyValue {
	return attribute.String(attrRPCMethod, method)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func transportAttr(kind string) attribute.KeyValue {
	return attribute.String(attrTransport, kind)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/") && len(path) > len("/v1/jobs/"):
		return "/v1/jobs/{jobId}"
	case strings.HasPrefix(path, "/artifacts/"):
		return "/artifacts/*"
	}
	return path
}
