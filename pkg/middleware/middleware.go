package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/logging"
	"cdcstream/pkg/metrics"
)

const RequestIDHeader = "X-Request-ID"

type requestLogger interface {
	Infow(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// LoggerMiddleware logs each ops request. Probe paths listed in quiet are
// counted but not logged on success.
func LoggerMiddleware(logger requestLogger, quiet ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		statusCode := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()

		if _, ok := skip[path]; ok && statusCode < http.StatusInternalServerError {
			return
		}

		logFields := []interface{}{
			"status", statusCode,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString("request_id"),
		}

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logFields = append(logFields, "error", errorMessage)
		}

		if statusCode >= http.StatusInternalServerError {
			logger.Errorw("HTTP Request", logFields...)
		} else {
			logger.Infow("HTTP Request", logFields...)
		}
	}
}

func RecoveryMiddleware(logger interface {
	Errorw(msg string, keysAndValues ...interface{})
}) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Errorw("Panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		abortWithError(c, apperrors.ErrInternal)
	})
}

// NotFoundHandler answers unknown ops routes with the standard error body.
func NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		abortWithError(c, apperrors.ErrNotFound.WithDetail("path", c.Request.URL.Path))
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
}

// RequestIDMiddleware propagates or assigns a request id and exposes it to
// context-aware loggers.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logging.WithMessageID(c.Request.Context(), requestID))
		c.Next()
	}
}
