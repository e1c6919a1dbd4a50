package domain

import (
	"context"
)

// Serving statuses, spelled as in grpc.health.v1.
const (
	StatusUnknown    = "UNKNOWN"
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
)

type Contract interface {
	Status(ctx context.Context) (string, error)
}
