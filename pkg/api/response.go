package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// headers are already out, nothing better to do
		http.Error(w, `{"detail":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func WriteJSONCreated(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

func BadRequest(w http.ResponseWriter, detail string) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Detail: detail})
}

func NotFound(w http.ResponseWriter) {
	JSON(w, http.StatusNotFound, ErrorResponse{Detail: "Not found."})
}

func UnprocessableEntity(w http.ResponseWriter, detail string) {
	JSON(w, http.StatusUnprocessableEntity, ErrorResponse{Detail: detail})
}

func Conflict(w http.ResponseWriter, detail string) {
	JSON(w, http.StatusConflict, ErrorResponse{Detail: detail})
}

func TooManyRequests(w http.ResponseWriter) {
	JSON(w, http.StatusTooManyRequests, ErrorResponse{Detail: "Too many requests."})
}

func InternalServerError(w http.ResponseWriter) {
	JSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal server error."})
}

// StatusFor maps a domain error to the HTTP status it is reported with.
func StatusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError reports err to the client. Internal failures are logged and
// their details are not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, logger logging.Logger, err error) {
	switch StatusFor(err) {
	case http.StatusUnprocessableEntity:
		UnprocessableEntity(w, messageOf(err))
	case http.StatusNotFound:
		NotFound(w)
	case http.StatusConflict:
		Conflict(w, messageOf(err))
	default:
		logger.Errorf("Request failed, method: %s, path: %s, error: %v", r.Method, r.URL.Path, err)
		InternalServerError(w)
	}
}

func messageOf(err error) string {
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}
