package errdefs

import (
	"fmt"
)

var (
	ErrValidation       = fmt.Errorf("mnemo: validation error")
	ErrNotFound         = fmt.Errorf("mnemo: not found")
	ErrConflict         = fmt.Errorf("mnemo: conflict")
	ErrPolicyNotFound   = fmt.Errorf("mnemo: policy not found")
	ErrIndexUnavailable = fmt.Errorf("mnemo: index unavailable")
	ErrBudgetTooSmall   = fmt.Errorf("mnemo: budget too small")
	ErrStoreUnavailable = fmt.Errorf("mnemo: store unavailable")
	ErrBranchExists     = fmt.Errorf("mnemo: branch exists")
	ErrTagExists        = fmt.Errorf("mnemo: tag exists")
	ErrNoSuchEvent      = fmt.Errorf("mnemo: no such event")
)

// Kind returns the machine-readable name of the taxonomy error wrapped in err,
// or "internal" when err does not belong to the taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return "validation_error"
	case Is(err, ErrPolicyNotFound):
		return "policy_not_found"
	case Is(err, ErrNotFound), Is(err, ErrNoSuchEvent):
		return "not_found"
	case Is(err, ErrConflict), Is(err, ErrBranchExists), Is(err, ErrTagExists):
		return "conflict"
	case Is(err, ErrIndexUnavailable):
		return "index_unavailable"
	case Is(err, ErrBudgetTooSmall):
		return "budget_too_small"
	case Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
