package mcp

import "errors"

var (
	// ErrConnection marks a provider launch or handshake failure
	ErrConnection = errors.New("provider connection failed")

	// ErrUnknownProvider marks an id with no stored definition
	ErrUnknownProvider = errors.New("unknown provider")
)
