package apperror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Response is the JSON body written for every failed request.
type Response struct {
	Error   Kind        `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict, KindInsufficientStock, KindAlreadyDispensed, KindAlreadyFinalized:
		return http.StatusConflict
	case KindNoActiveConsultation, KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ToResponse renders err as a Response body.
func ToResponse(err error) Response {
	kind := KindOf(err)
	resp := Response{Error: kind, Message: err.Error()}

	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		resp.Details = ise.Shortages
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		resp.Details = map[string]string{"reason": string(ce.Reason)}
	}
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		resp.Details = map[string]string{"field": ve.Field}
	}
	return resp
}

// HTTPErrorHandler renders typed errors and falls back to echo's handling for
// everything else. Internal errors are logged and masked.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, _ := he.Message.(string)
			if msg == "" {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, Response{Error: Kind(http.StatusText(he.Code)), Message: msg})
			return
		}

		if KindOf(err) == "" {
			logger.Error().Err(err).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
			_ = c.JSON(http.StatusInternalServerError, Response{Error: "internal_error", Message: "internal server error"})
			return
		}

		_ = c.JSON(StatusCode(err), ToResponse(err))
	}
}
