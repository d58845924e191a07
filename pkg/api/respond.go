package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/heliogrid/heliogrid/pkg/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string       `json:"error"`
	Kind   string       `json:"kind,omitempty"`
	Fields []FieldError `json:"fields,omitempty"`
}

// FieldError describes one invalid request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an error kind onto an HTTP status
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindConfig, types.KindMalformed:
		status = http.StatusBadRequest
	case types.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
	case types.KindTransport, types.KindAuth:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Kind: string(types.KindConfig)})
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and returns false when the request is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeBadRequest(w, err.Error())
			return false
		}

		resp := ErrorResponse{Error: "validation failed", Kind: string(types.KindConfig)}
		for _, fe := range verrs {
			resp.Fields = append(resp.Fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}

	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "timezone":
		return "must be an IANA timezone name"
	case "alphanum":
		return "must be alphanumeric"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
