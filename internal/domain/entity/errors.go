package entity

import "errors"

var (
	// ErrSessionNotFound means the session id was never registered (or has
	// already been swept). Never retried.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive means the session exists but no longer accepts the
	// requested operation (finalized, cancelled, or capacity-stopped).
	ErrSessionInactive = errors.New("session inactive")

	// ErrPermissionDenied means the clinician does not own the target study.
	ErrPermissionDenied = errors.New("doctor does not own study")

	// ErrStorageExhausted means the clinician's aggregate storage ceiling is
	// already reached, so no new session may start.
	ErrStorageExhausted = errors.New("storage quota exhausted")

	// ErrVideoNotFound means the referenced recording does not exist.
	ErrVideoNotFound = errors.New("video not found")
)
