package rental

import "errors"

var (
	// ErrNodeNotFound is returned when the requested node does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeUnavailable is returned when the node is not online or already
	// runs a rental.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrRenterNotFound is returned when the renter account does not exist.
	ErrRenterNotFound = errors.New("renter not found")

	// ErrInsufficientBalance is returned when the renter cannot cover the
	// estimated cost.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDispatchFailed is returned when the start command could not be
	// delivered. The rental was rolled back.
	ErrDispatchFailed = errors.New("failed to dispatch start command to node")

	// ErrRentalNotFound is returned for unknown rental ids.
	ErrRentalNotFound = errors.New("rental not found")

	// ErrRentalNotActive is returned when stopping a rental that is not
	// ACTIVE.
	ErrRentalNotActive = errors.New("rental not active")

	// ErrUnauthorized is returned when the requester does not own the rental.
	ErrUnauthorized = errors.New("not authorized for this rental")
)
