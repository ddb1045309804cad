package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// kindRateLimited is reported by the rate limiter. It has no domain error.
const kindRateLimited = "rate_limited"

var kindStatus = map[intel.Kind]int{
	intel.KindValidation:    http.StatusBadRequest,
	intel.KindConfig:        http.StatusBadRequest,
	intel.KindEmptyBatch:    http.StatusBadRequest,
	intel.KindParse:         http.StatusBadRequest,
	intel.KindNotFound:      http.StatusNotFound,
	intel.KindConflict:      http.StatusConflict,
	intel.KindConcurrentRun: http.StatusConflict,
	intel.KindFetch:         http.StatusBadGateway,
	intel.KindInternal:      http.StatusInternalServerError,
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := kindStatus[intel.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error":{"kind","message"}}. Internal errors are
// logged in full and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := intel.KindOf(err)
	status := StatusFor(err)
	msg := err.Error()
	if kind == intel.KindInternal {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: string(kind), Message: msg}})
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return intel.ValidationError("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return intel.ValidationError("%s", strings.Join(msgs, "; "))
}
