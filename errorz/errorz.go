// Package errorz defines the failure taxonomy of the authentication engine.
// Every terminal condition maps to exactly one Kind so callers can tell bad
// credentials apart from infrastructure trouble apart from 2FA rejection.
package errorz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnsupportedVariant
	KindChallenge
	KindAuthenticationRejected
	KindSessionVerification
	KindPadding
	KindUnknownSecondFactor
	KindTwoFactorRejected
	KindAnisetteUnavailable
	KindNetworkTimeout
	KindNetworkFailure
	KindMalformedResponse
	KindAccountBlocked
)

var kindNames = map[Kind]string{
	KindInternal:               "internal",
	KindUnsupportedVariant:     "unsupported protocol variant",
	KindChallenge:              "challenge processing failed",
	KindAuthenticationRejected: "authentication rejected",
	KindSessionVerification:    "server proof verification failed",
	KindPadding:                "padding check failed",
	KindUnknownSecondFactor:    "unknown second factor",
	KindTwoFactorRejected:      "two-factor verification rejected",
	KindAnisetteUnavailable:    "anisette service unavailable",
	KindNetworkTimeout:         "network timeout",
	KindNetworkFailure:         "network failure",
	KindMalformedResponse:      "malformed server response",
	KindAccountBlocked:         "account blocked",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// StatusError carries the failure kind plus, when one applies, the
// HTTP-compatible status the server reported.
type StatusError struct {
	Kind   Kind
	Status int
	Body   string
	Err    error
}

func (e *StatusError) Error() string {
	msg := e.Kind.String()
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsKind reports whether err (or anything it wraps) is a StatusError of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Retryable reports whether the whole authentication attempt may be
// re-invoked after this error. Only infrastructure failures qualify;
// retrying after a rejected SRP proof risks account lockout.
func Retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == KindAnisetteUnavailable || se.Kind == KindNetworkTimeout || se.Kind == KindNetworkFailure
}

// ClassifyTransport maps a transport-layer error onto the taxonomy:
// timeouts keep their own kind, everything else (connection refused, DNS)
// is a plain network failure. Both retry the same way.
func ClassifyTransport(err error) *StatusError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewNetworkTimeout(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return NewNetworkTimeout(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkTimeout(err)
	}
	return NewNetworkFailure(err)
}

func New(kind Kind, body string) *StatusError {
	return &StatusError{Kind: kind, Body: body}
}

func Wrap(kind Kind, err error) *StatusError {
	return &StatusError{Kind: kind, Err: err}
}

func NewUnsupportedVariant(proto string) *StatusError {
	return &StatusError{Kind: KindUnsupportedVariant, Body: fmt.Sprintf("server selected %q, only s2k and s2k_fo are supported", proto)}
}

func NewChallengeError(err error) *StatusError {
	return &StatusError{Kind: KindChallenge, Err: err}
}

func NewAuthenticationRejected(status int, body string) *StatusError {
	return &StatusError{Kind: KindAuthenticationRejected, Status: status, Body: body}
}

func NewSessionVerificationError() *StatusError {
	return &StatusError{Kind: KindSessionVerification, Body: "server proof M2 does not match, possible man-in-the-middle"}
}

func NewPaddingError() *StatusError {
	return &StatusError{Kind: KindPadding, Body: "inconsistent PKCS#7 padding, session key mismatch likely"}
}

func NewUnknownSecondFactor(au string) *StatusError {
	return &StatusError{Kind: KindUnknownSecondFactor, Body: fmt.Sprintf("unrecognized auth requirement %q", au)}
}

func NewTwoFactorRejected() *StatusError {
	return &StatusError{Kind: KindTwoFactorRejected, Body: "wrong code or wrong phone number, restart login to retry"}
}

func NewAnisetteUnavailable(err error) *StatusError {
	return &StatusError{Kind: KindAnisetteUnavailable, Err: err}
}

func NewNetworkTimeout(err error) *StatusError {
	return &StatusError{Kind: KindNetworkTimeout, Err: err}
}

func NewNetworkFailure(err error) *StatusError {
	return &StatusError{Kind: KindNetworkFailure, Err: err}
}

func NewMalformedResponse(body string) *StatusError {
	return &StatusError{Kind: KindMalformedResponse, Body: body}
}

func NewInternalError(body string) *StatusError {
	return &StatusError{Kind: KindInternal, Body: body}
}
