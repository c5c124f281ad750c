package auth

import (
	"errors"
	"net/http"
)

// Store-level sentinels. Engine operations translate them into *Error values.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrRefreshReplay marks a refresh token that was presented again after it
	// had already been redeemed.
	ErrRefreshReplay = errors.New("auth: refresh token replay")
)

// Kind enumerates every failure the authentication core can report.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInvalidCredentials
	KindAccountLocked
	KindAccountDisabled
	KindEmailExists
	KindWeakPassword
	KindInvalidCurrentPassword
	KindNoToken
	KindInvalidTokenFormat
	KindInvalidToken
	KindTokenExpired
	KindSessionRevoked
	KindInvalidRefreshToken
	KindInsufficientRole
	KindInsufficientPermission
	KindNotResourceOwner
	KindMissingResourceID
	KindRoleNotFound
	KindRateLimitExceeded
	KindSigningUnavailable
)

var kindCodes = map[Kind]string{
	KindInternal:               "INTERNAL_ERROR",
	KindValidation:             "VALIDATION_ERROR",
	KindNotFound:               "NOT_FOUND",
	KindInvalidCredentials:     "INVALID_CREDENTIALS",
	KindAccountLocked:          "ACCOUNT_LOCKED",
	KindAccountDisabled:        "ACCOUNT_DISABLED",
	KindEmailExists:            "EMAIL_EXISTS",
	KindWeakPassword:           "WEAK_PASSWORD",
	KindInvalidCurrentPassword: "INVALID_CURRENT_PASSWORD",
	KindNoToken:                "NO_TOKEN",
	KindInvalidTokenFormat:     "INVALID_TOKEN_FORMAT",
	KindInvalidToken:           "INVALID_TOKEN",
	KindTokenExpired:           "TOKEN_EXPIRED",
	KindSessionRevoked:         "SESSION_REVOKED",
	KindInvalidRefreshToken:    "INVALID_REFRESH_TOKEN",
	KindInsufficientRole:       "INSUFFICIENT_ROLE",
	KindInsufficientPermission: "INSUFFICIENT_PERMISSION",
	KindNotResourceOwner:       "NOT_RESOURCE_OWNER",
	KindMissingResourceID:      "MISSING_RESOURCE_ID",
	KindRoleNotFound:           "ROLE_NOT_FOUND",
	KindRateLimitExceeded:      "RATE_LIMIT_EXCEEDED",
	KindSigningUnavailable:     "SIGNING_UNAVAILABLE",
}

// Code returns the wire error code.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

func (k Kind) String() string { return k.Code() }

// HTTPStatus maps the kind onto a response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindWeakPassword, KindInvalidCurrentPassword, KindMissingResourceID:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindNoToken, KindInvalidTokenFormat, KindInvalidToken,
		KindTokenExpired, KindSessionRevoked, KindInvalidRefreshToken:
		return http.StatusUnauthorized
	case KindAccountDisabled, KindInsufficientRole, KindInsufficientPermission, KindNotResourceOwner:
		return http.StatusForbidden
	case KindNotFound, KindRoleNotFound:
		return http.StatusNotFound
	case KindEmailExists:
		return http.StatusConflict
	case KindAccountLocked:
		return http.StatusLocked
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure returned by the authentication core.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Code()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so kind sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidCredentials     = &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	ErrAccountLocked          = &Error{Kind: KindAccountLocked, Message: "account is temporarily locked"}
	ErrAccountDisabled        = &Error{Kind: KindAccountDisabled, Message: "account is disabled"}
	ErrEmailExists            = &Error{Kind: KindEmailExists, Message: "email is already registered"}
	ErrWeakPassword           = &Error{Kind: KindWeakPassword, Message: "password does not meet the policy"}
	ErrInvalidCurrentPassword = &Error{Kind: KindInvalidCurrentPassword, Message: "current password is incorrect"}
	ErrNoToken                = &Error{Kind: KindNoToken, Message: "missing bearer token"}
	ErrInvalidTokenFormat     = &Error{Kind: KindInvalidTokenFormat, Message: "invalid authorization header"}
	ErrInvalidToken           = &Error{Kind: KindInvalidToken, Message: "invalid token"}
	ErrTokenExpired           = &Error{Kind: KindTokenExpired, Message: "token expired"}
	ErrSessionRevoked         = &Error{Kind: KindSessionRevoked, Message: "session has been revoked"}
	ErrInvalidRefreshToken    = &Error{Kind: KindInvalidRefreshToken, Message: "invalid refresh token"}
	ErrInsufficientRole       = &Error{Kind: KindInsufficientRole, Message: "insufficient role"}
	ErrInsufficientPermission = &Error{Kind: KindInsufficientPermission, Message: "insufficient permission"}
	ErrNotResourceOwner       = &Error{Kind: KindNotResourceOwner, Message: "not the owner of this resource"}
	ErrMissingResourceID      = &Error{Kind: KindMissingResourceID, Message: "resource id is required"}
	ErrRoleNotFound           = &Error{Kind: KindRoleNotFound, Message: "role not found"}
	ErrRateLimitExceeded      = &Error{Kind: KindRateLimitExceeded, Message: "too many requests"}
	ErrSigningUnavailable     = &Error{Kind: KindSigningUnavailable, Message: "signing key unavailable"}
)

// NewError builds an *Error of the given kind.
func NewError(kind Kind, msg string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Fields: fields}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf extracts the Kind carried by err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
