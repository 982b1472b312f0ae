// Package grpcclient is the remote text recognition backend.
package grpcclient

import "time"

// Wire contract with the OCR service
const (
	ServiceName       = "regionwatch.ocr.v1.OCRService"
	MethodExtractText = "/" + ServiceName + "/ExtractText"

	FieldText       = "text"
	FieldConfidence = "confidence"
)

// Client configuration defaults
const (
	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// Health check configuration
	DefaultHealthCheckInterval = 5 * time.Second
	HealthCheckTimeout         = 2 * time.Second
)
