// Package metrics provides constants used across metric definitions.
package metrics

// Histogram bucket parameters shared by duration metrics.
const (
	BucketStart1ms = 0.001
	BucketFactor2  = 2.0
	BucketCount15  = 15
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Stage outcome label values.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)
