// Package errs defines the pipeline error taxonomy shared across the
// intake, compliance, ledger and API layers.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindCompliance       Kind = "COMPLIANCE_REJECTED"
	KindRisk             Kind = "RISK_REJECTED"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindTransientStorage Kind = "TRANSIENT_STORAGE"
	KindReferenceData    Kind = "REFERENCE_DATA_UNAVAILABLE"
	KindInternal         Kind = "INTERNAL"
)

// Reason codes surfaced to clients on rejections.
const (
	ReasonInsufficientBuyingPower = "INSUFFICIENT_BUYING_POWER"
	ReasonPDTLimit                = "PDT_LIMIT"
	ReasonSuitability             = "SUITABILITY_NOT_APPROVED"
	ReasonKYCUnverified           = "KYC_UNVERIFIED"
	ReasonAccountFrozen           = "ACCOUNT_FROZEN"
	ReasonAccountClosed           = "ACCOUNT_CLOSED"
	ReasonSymbolRestricted        = "SYMBOL_RESTRICTED"
	ReasonStalePrice              = "STALE_REFERENCE_PRICE"
	ReasonOrderTooSmall           = "ORDER_TOO_SMALL"
	ReasonOrderTooLarge           = "ORDER_TOO_LARGE"
)

// Error is a classified error with an optional client-facing reason code.
type Error struct {
	Kind   Kind
	Code   string
	Msg    string
	Reason []string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Rejection builds a compliance or risk rejection carrying reason codes.
func Rejection(kind Kind, reasons ...string) *Error {
	code := ""
	if len(reasons) > 0 {
		code = reasons[0]
	}
	return &Error{Kind: kind, Code: code, Msg: "order rejected", Reason: reasons}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the reason code from an error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return string(KindInternal)
}

// ReasonsOf extracts rejection reason codes from an error chain.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return nil
}

// IsRetryable reports whether the error kind is worth retrying.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientStorage, KindReferenceData:
		return true
	}
	return false
}
