package domain

import "errors"

// Storage sentinels shared by the session stores and the orchestrator.
var (
	// ErrSessionNotFound means no session exists for the brand and id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConflict means another writer advanced the session first.
	ErrConflict = errors.New("session was modified concurrently")
)
