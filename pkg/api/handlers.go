package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/store"
)

const (
	DefaultPerPage         = 10
	DefaultLongestPerPage  = 5
	RecentRegistrationSpan = 7 * 24 * time.Hour
)

type CreateUserRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
}

// UpdateUserRequest carries a partial update. Absent fields are left as they
// are; present ones are trimmed and must not be empty.
type UpdateUserRequest struct {
	Username *string `json:"username" validate:"omitempty,min=1"`
	Email    *string `json:"email" validate:"omitempty,min=1"`
}

func (r *UpdateUserRequest) trim() {
	for _, field := range []*string{r.Username, r.Email} {
		if field != nil {
			*field = strings.TrimSpace(*field)
		}
	}
}

type UserListResponse struct {
	Data       []store.User `json:"data"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalItems int64        `json:"total_items"`
	TotalPages int64        `json:"total_pages"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type DomainRatioResponse struct {
	Domain string  `json:"domain"`
	Ratio  float64 `json:"ratio"`
}

type HealthResponse struct {
	Version string `json:"version"`
	Name    string `json:"name"`
}

// UserHandler serves the /api/rest/users routes.
type UserHandler struct {
	repo           store.Repository
	validate       *validator.Validate
	defaultPerPage int
	emailDomain    string
	logger         logging.Logger
	now            func() time.Time
}

func NewUserHandler(repo store.Repository, defaultPerPage int, emailDomain string, logger logging.Logger) *UserHandler {
	if defaultPerPage <= 0 {
		defaultPerPage = DefaultPerPage
	}
	return &UserHandler{
		repo:           repo,
		validate:       newValidator(),
		defaultPerPage: defaultPerPage,
		emailDomain:    emailDomain,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Health handles GET /health.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, HealthResponse{Version: version, Name: "Users"})
	}
}

// Get handles GET /api/rest/users/{id}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	user, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	WriteJSONOK(w, user)
}

// List handles GET /api/rest/users/.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	h.listPage(w, r, h.defaultPerPage, h.repo.ListUsers)
}

// Longest handles GET /api/rest/users/stats/longest-usernames.
func (h *UserHandler) Longest(w http.ResponseWriter, r *http.Request) {
	h.listPage(w, r, DefaultLongestPerPage, h.repo.ListUsersByUsernameLength)
}

type pageLister func(ctx context.Context, page, perPage int) ([]store.User, error)

func (h *UserHandler) listPage(w http.ResponseWriter, r *http.Request, defaultPerPage int, list pageLister) {
	page, perPage, err := parsePagination(r, defaultPerPage)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	users, err := list(r.Context(), page, perPage)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	total, err := h.repo.CountUsers(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	WriteJSONOK(w, UserListResponse{
		Data:       users,
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: store.TotalPages(total, perPage),
	})
}

// Create handles POST /api/rest/users/.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.validateRequest(&req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	user, err := h.repo.CreateUser(r.Context(), req.Username, req.Email)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Infof("User created, id: %d", user.ID)
	WriteJSONCreated(w, user)
}

// Update handles PATCH /api/rest/users/{id}.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req UpdateUserRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.trim()
	if err := h.validateRequest(&req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	user, err := h.repo.UpdateUser(r.Context(), id, store.UserUpdate{
		Username: req.Username,
		Email:    req.Email,
	})
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	WriteJSONOK(w, user)
}

// Delete handles DELETE /api/rest/users/{id}.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	user, err := h.repo.DeleteUser(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Infof("User deleted, id: %d", user.ID)
	WriteJSONOK(w, user)
}

// Recent handles GET /api/rest/users/stats/recent.
func (h *UserHandler) Recent(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.CountUsersSince(r.Context(), h.now().Add(-RecentRegistrationSpan))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	WriteJSONOK(w, CountResponse{Count: count})
}

// DomainRatio handles GET /api/rest/users/stats/email-domain-ratio.
func (h *UserHandler) DomainRatio(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		domain = h.emailDomain
	}

	ratio, err := h.repo.EmailDomainRatio(r.Context(), domain)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	WriteJSONOK(w, DomainRatioResponse{Domain: domain, Ratio: ratio})
}

func (h *UserHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		UnprocessableEntity(w, fmt.Sprintf("invalid user id %q", raw))
		return 0, false
	}
	return id, true
}

func (h *UserHandler) validateRequest(req interface{}) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.NewValidationError("invalid request", err)
	}

	problems := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		problems = append(problems, describeFieldError(fieldErr))
	}
	return errors.NewValidationError(strings.Join(problems, "; "), err)
}

func describeFieldError(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return fieldErr.Field() + " is required"
	case "email":
		return fieldErr.Field() + " must be a valid email address"
	case "min":
		return fieldErr.Field() + " must not be empty"
	default:
		return fmt.Sprintf("%s failed on %s", fieldErr.Field(), fieldErr.Tag())
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// decodeJSONBody writes a 400 and returns false when the body is not valid
// JSON for v.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func parsePagination(r *http.Request, defaultPerPage int) (int, int, error) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"), 1)
	if err != nil {
		return 0, 0, errors.NewValidationError("page must be an integer", err)
	}
	perPage, err := intParam(query.Get("per_page"), defaultPerPage)
	if err != nil {
		return 0, 0, errors.NewValidationError("per_page must be an integer", err)
	}

	if err := store.ValidatePage(page, perPage); err != nil {
		return 0, 0, err
	}
	return page, perPage, nil
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
