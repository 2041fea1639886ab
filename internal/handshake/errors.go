package handshake

import "errors"

var (
	ErrAuthFailed        = errors.New("handshake: authentication failed")
	ErrHandshakeInternal = errors.New("handshake: internal error")
	ErrHandshakeTimeout  = errors.New("handshake: timed out")
)
