package auth

import "errors"

var (
	ErrNotFound            = errors.New("auth: not found")
	ErrAlreadyExists       = errors.New("auth: already exists")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrOTPInvalid          = errors.New("auth: otp expired or invalid")
	ErrRefreshTokenInvalid = errors.New("auth: invalid refresh token")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrConflict            = errors.New("auth: conflict")
)
