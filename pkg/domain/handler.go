package domain

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-users/pkg/logging"
)

// StatusHandler answers Status with whatever was last set. It starts out
// NOT_SERVING.
type StatusHandler struct {
	logger logging.Logger

	mutex  sync.Mutex
	status string
}

func NewStatusHandler(logger logging.Logger) *StatusHandler {
	return &StatusHandler{
		logger: logger,
		status: StatusNotServing,
	}
}

func (h *StatusHandler) Status(ctx context.Context) (string, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.status, nil
}

func (h *StatusHandler) SetStatus(status string) {
	h.mutex.Lock()
	previous := h.status
	h.status = status
	h.mutex.Unlock()

	if previous != status {
		h.logger.Infof("Serving status changed, status: %s->%s", previous, status)
	}
}
