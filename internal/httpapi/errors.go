package httpapi

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
)

// writeError translates an error from the facade/queue layer into the
// {error:{code,message,retryable,details?}} body, using the fixed
// admission-level mapping for the queue's sentinel errors. Any other error
// is reported as a 500 INTERNAL_ERROR.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeAPIError(c, classifier.BuildAPIError(400, classifier.CodeInvalidRequest, err.Error(), false, nil))
	case errors.Is(err, domain.ErrQueueBackpressure):
		writeAPIError(c, classifier.BuildAPIError(429, classifier.CodeQueueBackpressure, err.Error(), true, nil))
	case errors.Is(err, domain.ErrJobNotFound):
		writeAPIError(c, classifier.BuildAPIError(404, classifier.CodeJobNotFound, err.Error(), false, nil))
	case errors.Is(err, domain.ErrAlreadyFinal):
		writeAPIError(c, classifier.BuildAPIError(409, "ALREADY_FINAL", err.Error(), false, nil))
	default:
		writeAPIError(c, classifier.BuildAPIError(500, classifier.CodeInternalError, err.Error(), false, nil))
	}
}

func writeAPIError(c *gin.Context, apiErr classifier.APIError) {
	c.JSON(apiErr.Status, apiErr)
}
