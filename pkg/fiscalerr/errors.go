// Package fiscalerr defines the error taxonomy shared by the document,
// signing, transmission and distribution packages.
//
// Every error type wraps its cause and matches one sentinel through
// errors.Is, so callers can branch on the kind without type assertions:
//
//	if errors.Is(err, fiscalerr.ErrRejection) { ... }
//
// or extract details with errors.As:
//
//	var rej *fiscalerr.RejectionError
//	if errors.As(err, &rej) { log.Println(rej.Code, rej.Reason) }
package fiscalerr

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Sentinels matched by the typed errors below.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrCertificate   = errors.New("certificate error")
	ErrValidation    = errors.New("validation error")
	ErrSignature     = errors.New("signature error")
	ErrNetwork       = errors.New("network error")
	ErrProtocol      = errors.New("protocol fault")
	ErrRejection     = errors.New("rejected by authority")
	ErrDecode        = errors.New("decode error")
)

// MaxBodyExcerpt bounds how much of a response body is kept in errors.
const MaxBodyExcerpt = 2048

// Truncate shortens s to at most MaxBodyExcerpt bytes without splitting a
// UTF-8 sequence.
func Truncate(s string) string {
	if len(s) <= MaxBodyExcerpt {
		return s
	}
	cut := MaxBodyExcerpt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

// ConfigurationError reports missing certificate, password, series or similar settings.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Msg)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configuration returns a ConfigurationError for field.
func Configuration(field, msg string) error {
	return &ConfigurationError{Field: field, Msg: msg}
}

// CertificateError reports an unreadable archive, a wrong password or a missing key/certificate.
type CertificateError struct {
	Msg string
	Err error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate: %s: %v", e.Msg, e.Err)
	}
	return "certificate: " + e.Msg
}

func (e *CertificateError) Unwrap() error        { return e.Err }
func (e *CertificateError) Is(target error) bool { return target == ErrCertificate }

// Certificate returns a CertificateError wrapping err (which may be nil).
func Certificate(msg string, err error) error {
	return &CertificateError{Msg: msg, Err: err}
}

// ValidationError reports inconsistent document input. It is always
// raised before any network traffic.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation returns a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// SignatureError reports an unusable key or a document without identifier attribute.
type SignatureError struct {
	Msg string
	Err error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature: %s: %v", e.Msg, e.Err)
	}
	return "signature: " + e.Msg
}

func (e *SignatureError) Unwrap() error        { return e.Err }
func (e *SignatureError) Is(target error) bool { return target == ErrSignature }

// Signature returns a SignatureError wrapping err (which may be nil).
func Signature(msg string, err error) error {
	return &SignatureError{Msg: msg, Err: err}
}

// NetworkError reports timeouts and connection failures.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ProtocolFault reports a SOAP fault or a malformed response.
type ProtocolFault struct {
	HTTPStatus  int
	Code        string
	Reason      string
	Body        string
	Unsupported bool
}

func (e *ProtocolFault) Error() string {
	msg := "protocol fault"
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.HTTPStatus)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ProtocolFault) Is(target error) bool { return target == ErrProtocol }

// RejectionError reports an explicit rejection of a batch, a document or a query.
type RejectionError struct {
	Stage  string
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): cStat %s: %s", e.Stage, e.Code, e.Reason)
}

func (e *RejectionError) Is(target error) bool { return target == ErrRejection }

// Rejection returns a RejectionError.
func Rejection(stage, code, reason string) error {
	return &RejectionError{Stage: stage, Code: code, Reason: reason}
}

// DecodeError reports a corrupt compressed entry in a distribution batch.
type DecodeError struct {
	NSU string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: NSU %s: %v", e.NSU, e.Err)
}

func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
