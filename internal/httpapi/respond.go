package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 10
	maxLimit     = 100
)

type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Count       int   `json:"count"`
	Total       int64 `json:"total"`
	TotalPages  int64 `json:"totalPages"`
	CurrentPage int   `json:"currentPage"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func message(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: msg, Data: data})
}

func list[T any](w http.ResponseWriter, items []T, total int64, page storage.Page) {
	if items == nil {
		items = []T{}
	}
	pages := int64(1)
	if page.Limit > 0 {
		pages = (total + int64(page.Limit) - 1) / int64(page.Limit)
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    items,
		Pagination: &pagination{
			Count:       len(items),
			Total:       total,
			TotalPages:  pages,
			CurrentPage: page.Page,
		},
	})
}

// fail writes err as an error envelope. The underlying cause is only sent
// outside production.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	err = storage.APIError(err)
	status := apperr.Status(err)
	msg := "internal server error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	env := envelope{Success: false, Message: msg}
	if !s.production && err.Error() != msg {
		env.Error = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error("request failed", "error", err)
	}
	writeJSON(w, status, env)
}

// decode reads a JSON body into dst and runs its validate tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Wrap(http.StatusBadRequest, "malformed JSON body", err)
	}
	return check(dst)
}

func check(v any) error {
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.Validation(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	f := fe.Field()
	switch fe.Tag() {
	case "required":
		return f + " is required"
	case "email":
		return f + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", f, fe.Param())
	case "min", "gte", "gt":
		return fmt.Sprintf("%s must be at least %s", f, fe.Param())
	case "max", "lte", "lt":
		return fmt.Sprintf("%s must be at most %s", f, fe.Param())
	case "mongodb":
		return f + " must be a valid id"
	case "alphanum":
		return f + " must be letters and digits only"
	}
	return f + " is invalid"
}

// pageOf reads page and limit, defaulting to the first ten items.
func pageOf(r *http.Request) storage.Page {
	q := r.URL.Query()
	p := storage.Page{Page: 1, Limit: defaultLimit}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Limit = min(n, maxLimit)
	}
	return p
}

func pathID(r *http.Request, name string) (primitive.ObjectID, error) {
	id, ok := models.ParseID(mux.Vars(r)[name])
	if !ok {
		return primitive.NilObjectID, apperr.Validation("invalid " + name)
	}
	return id, nil
}

func queryID(r *http.Request, name string) (*primitive.ObjectID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, ok := models.ParseID(raw)
	if !ok {
		return nil, apperr.Validation("invalid " + name)
	}
	return &id, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Validation(name + " must be true or false")
	}
	return &b, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Validation(name + " must be a number")
	}
	return f, nil
}

// statuses splits a comma separated status query.
func statuses[T ~string](r *http.Request) []T {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil
	}
	var out []T
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, T(p))
		}
	}
	return out
}
