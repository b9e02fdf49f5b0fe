package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRejected           = errors.New("order rejected")
	ErrNoAvailableNode    = errors.New("no available node")
	ErrOptimisticConflict = errors.New("optimistic conflict")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrDispatchTimeout    = errors.New("dispatch timeout")
	ErrInternal           = errors.New("internal error")
)
