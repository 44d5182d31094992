package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/middleware"
	"github.com/lab-validation-server/internal/service"
	"github.com/lab-validation-server/pkg/labapi"
)

// errorResponse is the JSON error body. The optional lists carry the
// structured parts of incomplete-results and submission failures.
type errorResponse struct {
	*domain.LabError
	Field     string                `json:"field,omitempty"`
	Stage     domain.PipelineStage  `json:"stage,omitempty"`
	Missing   []domain.MissingValue `json:"missing,omitempty"`
	Submitted []string              `json:"submitted,omitempty"`
	Failed    map[string]string     `json:"failed,omitempty"`
}

// classify maps an error to a status code and response body.
func classify(err error, requestID string) (int, errorResponse) {
	resp := func(code, message string) errorResponse {
		return errorResponse{LabError: domain.NewLabError(code, message, err.Error(), requestID)}
	}

	var (
		validationErr *domain.ValidationError
		transitionErr *domain.TransitionError
		incompleteErr *domain.IncompleteResultsError
		submissionErr *domain.SubmissionError
		pipelineErr   *domain.PipelineError
		payloadErr    *domain.PayloadError
		apiErr        *labapi.APIError
	)

	switch {
	case errors.As(err, &validationErr):
		r := resp(domain.ErrValidation, validationErr.Message)
		r.Field = validationErr.Field
		return http.StatusBadRequest, r

	case errors.As(err, &incompleteErr):
		r := resp(domain.ErrIncompleteResults, "required results are missing")
		r.Missing = incompleteErr.Missing
		return http.StatusUnprocessableEntity, r

	case errors.As(err, &submissionErr):
		r := resp(domain.ErrSubmissionFailed, "some tests could not be submitted for validation")
		r.Submitted = submissionErr.Submitted
		r.Failed = make(map[string]string, len(submissionErr.Failed))
		for id, e := range submissionErr.Failed {
			r.Failed[id] = e.Error()
		}
		if len(submissionErr.Submitted) > 0 {
			return http.StatusMultiStatus, r
		}
		return http.StatusBadGateway, r

	case errors.As(err, &pipelineErr):
		r := resp(domain.ErrReportPipeline, "report pipeline failed at "+string(pipelineErr.Stage))
		r.Stage = pipelineErr.Stage
		status, _ := classify(pipelineErr.Err, requestID)
		switch status {
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusConflict:
			return status, r
		}
		return http.StatusBadGateway, r

	case errors.As(err, &transitionErr):
		return http.StatusConflict, resp(domain.ErrIllegalTransition, transitionErr.Error())

	case errors.Is(err, service.ErrOrderBusy):
		return http.StatusConflict, resp(domain.ErrConflict, "another action on this order is in progress")

	case errors.Is(err, domain.ErrStaleRevision):
		return http.StatusConflict, resp(domain.ErrConflict, "drafts were changed by another session")

	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrOrderNotTracked),
		errors.Is(err, service.ErrWorksheetNotOpen):
		return http.StatusNotFound, resp(domain.ErrNotFoundCode, "resource not found")

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, resp(domain.ErrServiceUnavailable, "lab system temporarily unavailable")

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, resp(domain.ErrExternalAPI, "request timed out")

	case errors.As(err, &payloadErr):
		return http.StatusBadGateway, resp(domain.ErrMalformedPayload, "lab system returned a malformed payload")

	case errors.As(err, &apiErr):
		return http.StatusBadGateway, resp(domain.ErrExternalAPI, "lab system request failed")
	}

	return http.StatusInternalServerError, resp(domain.ErrInternalServer, "internal server error")
}

func (s *Server) writeError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationIDKey)
	status, body := classify(err, requestID)
	_ = c.Error(err)

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlation_id", requestID).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, body)
}
