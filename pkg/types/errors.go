package types

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Failure kinds returned by the manager. Each wraps an errdefs class so
// callers can match either the specific sentinel or the class.
var (
	ErrExhausted      = fmt.Errorf("no free id in range: %w", errdefs.ErrResourceExhausted)
	ErrAlreadyBound   = fmt.Errorf("resource set already bound to a network: %w", errdefs.ErrAlreadyExists)
	ErrNotBound       = fmt.Errorf("resource set not bound to a network: %w", errdefs.ErrFailedPrecondition)
	ErrDuplicateShare = fmt.Errorf("share already exists: %w", errdefs.ErrAlreadyExists)
	ErrInvalidKind    = fmt.Errorf("invalid network kind: %w", errdefs.ErrInvalidArgument)
	ErrInvalidPath    = fmt.Errorf("invalid share path: %w", errdefs.ErrInvalidArgument)
	ErrPrivilege      = fmt.Errorf("resource owned by another caller: %w", errdefs.ErrPermissionDenied)
	ErrNoCaller       = fmt.Errorf("caller identity missing: %w", errdefs.ErrPermissionDenied)
)
