package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/blobstore"
	"github.com/example/passport-check/internal/imagecheck"
	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/photostore"
	"github.com/example/passport-check/internal/stream"
	"github.com/example/passport-check/internal/usecase"
	"github.com/example/passport-check/internal/verification"
)

// Client-facing messages for verification failures.
const (
	messageTimeout         = "Request timeout"
	messageInferenceFailed = "Model inference failed"
)

type errorClass struct {
	target error
	status int
}

// errorClasses is checked in order; the first match decides the status.
var errorClasses = []errorClass{
	{imagecheck.ErrEmptyImage, http.StatusBadRequest},
	{imagecheck.ErrUnsupportedFormat, http.StatusBadRequest},
	{imagecheck.ErrMalformedEncoding, http.StatusBadRequest},
	{photostore.ErrInvalidInput, http.StatusBadRequest},
	{photostore.ErrPhotoNotFound, http.StatusNotFound},
	{blobstore.ErrNotFound, http.StatusNotFound},
	{blobstore.ErrInvalidKey, http.StatusBadRequest},
	{photostore.ErrCapacityExceededAllLocked, http.StatusConflict},
	{photostore.ErrAlreadyLocked, http.StatusConflict},
	{photostore.ErrNotLocked, http.StatusConflict},
	{photostore.ErrDeleteLocked, http.StatusConflict},
	{photostore.ErrInvariantViolation, http.StatusConflict},
	{photostore.ErrVersionConflict, http.StatusConflict},
	{verification.ErrTimeout, http.StatusGatewayTimeout},
	{verification.ErrUpstreamUnavailable, http.StatusBadGateway},
}

// statusFor maps an error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.status, publicMessage(class.target)
		}
	}
	if errors.Is(err, usecase.ErrInvalidImage) || errors.Is(err, stream.ErrValidation) {
		return http.StatusBadRequest, usecase.ErrInvalidImage.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func publicMessage(target error) string {
	switch target {
	case verification.ErrTimeout:
		return messageTimeout
	case verification.ErrUpstreamUnavailable:
		return messageInferenceFailed
	}
	return target.Error()
}

func (h *handler) writeError(c *gin.Context, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("operation", logging.OperationOf(err)),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": message})
}
