package services

import "errors"

// Auth errors
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrEmailTaken          = errors.New("email is already registered")
	ErrPasswordMismatch    = errors.New("password confirmation does not match")
	ErrUserNotActive       = errors.New("account is not active")
	ErrRefreshTokenInvalid = errors.New("refresh token is invalid")
	ErrRefreshTokenExpired = errors.New("refresh token has expired")
	ErrTokenFamilyMismatch = errors.New("refresh token family mismatch")
)

// Role and application errors
var (
	ErrUnknownRole          = errors.New("unknown role")
	ErrRoleNotApplicable    = errors.New("role cannot be applied for")
	ErrDuplicateApplication = errors.New("a pending application for this role already exists")
	ErrAlreadyProcessed     = errors.New("application has already been processed")
	ErrInvalidRejectReason  = errors.New("rejection reason must be between 10 and 500 characters")
)
