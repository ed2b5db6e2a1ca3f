package review

import "errors"

// ErrClaimConflict is returned when a claim loses the race: the item was
// no longer pending by the time the conditional UPDATE ran.
var ErrClaimConflict = errors.New("review item not available for claim")

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("review item not found")
