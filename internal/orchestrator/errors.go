package orchestrator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

// requestError is a non-payment failure with a fixed HTTP status.
type requestError struct {
	status int
	typ    string
	code   string
	msg    string
}

func (e *requestError) Error() string { return e.code + ": " + e.msg }

func badRequest(typ, code, msg string) *requestError {
	return &requestError{status: http.StatusBadRequest, typ: typ, code: code, msg: msg}
}

func errorBody(msg, typ, code string) gin.H {
	return gin.H{"error": gin.H{"message": msg, "type": typ, "code": code}}
}

// writeError maps err to the response. Payment failures are 402 with
// X-DRAIN-Error; shortfalls also carry X-DRAIN-Required and X-DRAIN-Provided
// as cumulative totals.
func writeError(c *gin.Context, err error) {
	var (
		re *requestError
		de *drain.Error
		ue *UpstreamError
	)
	switch {
	case errors.As(err, &re):
		c.AbortWithStatusJSON(re.status, errorBody(re.msg, re.typ, re.code))

	case errors.As(err, &de) && de.Code == drain.CodeOnChainFailure:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable,
			errorBody("chain unavailable, retry later", "service_unavailable", string(de.Code)))

	case errors.As(err, &de):
		c.Header(drain.HeaderError, string(de.Code))
		if de.Required != nil && de.Provided != nil {
			c.Header(drain.HeaderRequired, de.Required.String())
			c.Header(drain.HeaderProvided, de.Provided.String())
		}
		c.AbortWithStatusJSON(http.StatusPaymentRequired,
			errorBody(paymentMessage(de), "payment_required", string(de.Code)))

	case errors.As(err, &ue):
		c.AbortWithStatusJSON(http.StatusBadGateway,
			errorBody("upstream inference API failed", "api_error", "upstream_error"))

	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			errorBody("internal error", "api_error", "internal_error"))
	}
}

func paymentMessage(e *drain.Error) string {
	switch e.Code {
	case drain.CodeVoucherRequired:
		return "X-DRAIN-Voucher header required"
	case drain.CodeInsufficientFundsPost:
		return "voucher insufficient for actual cost"
	}
	if e.Msg != "" {
		return "payment validation failed: " + e.Msg
	}
	return "payment validation failed: " + string(e.Code)
}
