package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrReadDatabaseRow    = errors.New("could not read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Request and routing errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrRouting        = errors.New("no service matches the requested route")
	ErrEmptyChain     = errors.New("request resolves to an empty chain")

	// Stage and transport errors
	ErrUnknownStage = errors.New("unknown stage")
	ErrStageTimeout = errors.New("stage timed out")
	ErrNoDocuments  = errors.New("no document could be fetched")
	ErrQueueFull    = errors.New("worker queue full")
	ErrPoolStopped  = errors.New("worker pool stopped")
	ErrLockHeld     = errors.New("lock is held by another worker")
	ErrUnsupported  = errors.New("unsupported document type")
)
