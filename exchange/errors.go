package exchange

import (
	"errors"
	"fmt"
)

// Kind is a stable snake_case error classification. Callers branch on Kind,
// never on venue return codes.
type Kind string

const (
	// Transport
	KindNetworkError Kind = "network_error"
	KindTimeout      Kind = "timeout"
	KindRateLimited  Kind = "rate_limited"
	KindServerError  Kind = "server_error"

	// Authentication
	KindAuthError         Kind = "auth_error"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindSignTypeMissing   Kind = "sign_type_missing"

	// Validation
	KindInvalidSize       Kind = "invalid_size"
	KindInvalidPrice      Kind = "invalid_price"
	KindMinNotional       Kind = "min_notional"
	KindMissingInstrument Kind = "missing_instrument"

	// State
	KindDuplicateOrder  Kind = "duplicate_order"
	KindOrderNotFound   Kind = "order_not_found"
	KindPositionMissing Kind = "position_missing"

	// Safety
	KindKillSwitchActive Kind = "kill_switch_active"
	KindTradingDisabled  Kind = "trading_disabled"
	KindRiskLimitBreach  Kind = "risk_limit_breach"
)

// Error carries a Kind plus the venue's raw code/message when one exists.
type Error struct {
	Kind    Kind
	RetCode int
	Msg     string
	wrapped error
}

func (e *Error) Error() string {
	if e.RetCode != 0 {
		return fmt.Sprintf("%s: retCode=%d %s", e.Kind, e.RetCode, e.Msg)
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a classified error with a plain message.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, wrapped: err}
}

// KindOf extracts the Kind from err, or "" when err is not a classified
// exchange error.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsTransient reports whether err is in the retryable transport family.
// A server_error counts only when it carries no venue retCode (HTTP 5xx or
// an undecodable response); an unrecognized retCode is not retried.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetworkError, KindTimeout, KindRateLimited:
		return true
	case KindServerError:
		var ee *Error
		return errors.As(err, &ee) && ee.RetCode == 0
	}
	return false
}

// IsAuth reports whether err is in the authentication family. Auth errors
// are fatal for the cycle and count toward the consecutive-error threshold.
func IsAuth(err error) bool {
	switch KindOf(err) {
	case KindAuthError, KindSignatureMismatch, KindSignTypeMissing:
		return true
	}
	return false
}

// classifyRetCode maps a venue return code to an error. retCode 0 maps to
// nil. The auth family is explicit; the rate limiter and recv_window
// rejections map to transient kinds; everything else is surfaced as a
// server error with the raw code attached, which IsTransient does not retry.
func classifyRetCode(retCode int, retMsg string) error {
	switch retCode {
	case 0:
		return nil
	case 10006, 10018: // too many visits / ip rate limit
		return &Error{Kind: KindRateLimited, RetCode: retCode, Msg: retMsg}
	case 10002: // request time outside recv_window
		return &Error{Kind: KindTimeout, RetCode: retCode, Msg: retMsg}
	case 10004: // signature check failed
		return &Error{Kind: KindSignatureMismatch, RetCode: retCode, Msg: retMsg}
	case 10003, 10005, 33004: // invalid key / permission denied / key expired
		return &Error{Kind: KindAuthError, RetCode: retCode, Msg: retMsg}
	case 110001: // order not found
		return &Error{Kind: KindOrderNotFound, RetCode: retCode, Msg: retMsg}
	case 110072: // duplicate orderLinkId
		return &Error{Kind: KindDuplicateOrder, RetCode: retCode, Msg: retMsg}
	default:
		return &Error{Kind: KindServerError, RetCode: retCode, Msg: retMsg}
	}
}
