package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountingdomain "github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	cbdomain "github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.Is(err, proxy.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "missing or unknown API key"}
	case errors.Is(err, proxy.ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "API key is not valid for this path"}
	case errors.Is(err, accountingdomain.ErrServiceNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "no service registered for this path"}
	case errors.Is(err, accountingdomain.ErrSubscriptionNotFound):
		return http.StatusNotFound, errorPayload{Type: "subscription_not_found", Message: "subscription not found"}
	case errors.Is(err, cbdomain.ErrInvalidSubscription):
		return http.StatusNotFound, errorPayload{Type: "invalid_subscription", Message: "unknown subscription"}
	case errors.Is(err, cbdomain.ErrWrongPayload), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{Type: "wrong_payload", Message: err.Error()}
	case errors.Is(err, cbdomain.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, errorPayload{Type: "unsupported_media_type", Message: err.Error()}
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		return http.StatusGatewayTimeout, errorPayload{Type: "upstream_unavailable", Message: "upstream service unavailable"}
	case errors.Is(err, accountingdomain.ErrInvalidUnit):
		return http.StatusInternalServerError, errorPayload{Type: "invalid_unit", Message: "accounting unit not available"}
	case errors.Is(err, accountingdomain.ErrCount):
		return http.StatusInternalServerError, errorPayload{Type: "count_error", Message: "usage could not be measured"}
	case errors.Is(err, accountingdomain.ErrStore):
		return http.StatusInternalServerError, errorPayload{Type: "store_error", Message: "usage could not be recorded"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}
