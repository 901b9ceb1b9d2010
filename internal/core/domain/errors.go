package domain

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrJobNotFound        = errors.New("job not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrCoordinatorStopped = errors.New("coordinator stopped")
)
