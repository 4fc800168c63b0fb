package middleware

import (
	"context"
	"errors"
	"net/http"

	"p2d/internal/core/domain"
	apperrors "p2d/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as a relay error body. Server faults log at error level, client
// mistakes at debug.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := toAppError(c.Errors.Last().Err)

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if appErr.Cause != nil {
			fields = append(fields, "error", appErr.Cause.Error())
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		writeAppError(c, appErr)
	}
}

// toAppError maps domain sentinels onto relay error codes. Anything
// unrecognised becomes INTERNAL_ERROR without leaking its text.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeRoomNotFound, "room not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidRoomCode):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidCode, "invalid room code", http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnknownMessageType):
		return apperrors.WrapError(err, apperrors.ErrCodeUnknownType, "unknown message type", http.StatusBadRequest)
	case errors.Is(err, domain.ErrParticipantNotFound), errors.Is(err, domain.ErrPeerNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "participant not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrCodeSpaceExhausted), errors.Is(err, context.DeadlineExceeded):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "relay unavailable", http.StatusServiceUnavailable)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

func writeAppError(c *gin.Context, appErr *apperrors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, body)
}

// RecoveryMiddleware turns a handler panic into an INTERNAL_ERROR response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				writeAppError(c, apperrors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}
