package broker

import "errors"

var (
	ErrNotAuthorized  = errors.New("client not authorized")
	ErrClientIDInUse  = errors.New("client identifier already connected")
	ErrNoClientID     = errors.New("no client identifier available")
	ErrUnknownClient  = errors.New("unknown client id")
)
