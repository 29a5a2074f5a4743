package domain

import "errors"

var (
	// ErrUnauthorized indicates a missing or invalid caller credential.
	ErrUnauthorized = errors.New("invalid authentication")
	// ErrInvalidRequest indicates a request without a category or without frames.
	ErrInvalidRequest = errors.New("missing required fields")
	// ErrTooManyRequests maps an upstream rate-limit signal.
	ErrTooManyRequests = errors.New("rate limit exceeded, please try again later")
	// ErrServiceUnavailable maps an upstream quota or billing signal.
	ErrServiceUnavailable = errors.New("service unavailable, please contact support")
	// ErrMalformedUpstreamResponse indicates the model answer could not be parsed as a verdict.
	ErrMalformedUpstreamResponse = errors.New("invalid AI response format")
	// ErrVerificationFailed covers every other upstream or persistence failure.
	ErrVerificationFailed = errors.New("AI verification failed")
)
