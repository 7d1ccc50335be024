/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import "errors"

var (
	// ErrNoSlotAvailable means the splitter could not place the full duration.
	ErrNoSlotAvailable = errors.New("no slot available")
	// ErrShuntInfeasible means a left shunt ran out of room before "now".
	ErrShuntInfeasible = errors.New("shunt infeasible")
	// ErrInvariantViolation means a cascade that must be conflict-free was not.
	ErrInvariantViolation = errors.New("schedule invariant violated")
	ErrJobNotFound        = errors.New("job not found")
	ErrMachineNotFound    = errors.New("machine not found")
	ErrInvalidDuration    = errors.New("job duration must be positive")
	// ErrStaleQueue means the caller's view of the queue no longer matches.
	ErrStaleQueue = errors.New("queue changed since it was read")
)
