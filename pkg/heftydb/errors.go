package heftydb

import "github.com/dd0wney/heftydb/pkg/lsm"

// Errors returned by the database. Every error carrying a kind satisfies
// errors.Is against the matching sentinel.
var (
	ErrNotFound        = lsm.ErrNotFound
	ErrClosed          = lsm.ErrClosed
	ErrCorruption      = lsm.ErrCorruption
	ErrInvalidArgument = lsm.ErrInvalidArgument
	ErrCapacity        = lsm.ErrCapacity
)

func closedError(op string) error {
	return lsm.NewError(op, lsm.KindClosed).Err()
}
