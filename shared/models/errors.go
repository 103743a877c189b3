package models

import "errors"

// Application-wide standard errors
var (
	// Common Resource/DB Errors
	ErrNotFound      = errors.New("resource not found")
	ErrStackNotFound = errors.New("story stack not found")
	ErrCardNotFound  = errors.New("story card not found")

	// User & Authentication Errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Token Errors
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")

	// Compile & Bundle Errors
	ErrEmptyStack       = errors.New("story stack has no cards")
	ErrBundleInvalid    = errors.New("bundle failed validation")
	ErrAssetTooLarge    = errors.New("asset exceeds maximum allowed size")
	ErrBundleTooLarge   = errors.New("bundle exceeds maximum allowed size")
	ErrUnknownFormat    = errors.New("unknown export format")
	ErrAssetFetchFailed = errors.New("failed to fetch asset")

	// General Request/Server Errors
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrInvalidInput   = errors.New("invalid input data")
)
