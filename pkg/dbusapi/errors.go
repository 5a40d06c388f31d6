package dbusapi

import (
	"errors"

	"github.com/containerd/errdefs"
	"github.com/fpemud/virt-service/pkg/types"
	"github.com/godbus/dbus/v5"
)

// ErrorPrefix is the namespace of every error name the service returns
const ErrorPrefix = Interface + ".Error."

// ErrorName maps an error to its bus error name
func ErrorName(err error) string {
	var name string
	switch {
	case errdefs.IsAborted(err):
		name = "ShuttingDown"
	case errors.Is(err, types.ErrInvalidKind):
		name = "InvalidKind"
	case errors.Is(err, types.ErrInvalidPath):
		name = "InvalidPath"
	case errors.Is(err, types.ErrAlreadyBound):
		name = "AlreadyBound"
	case errors.Is(err, types.ErrDuplicateShare):
		name = "DuplicateShare"
	case errors.Is(err, types.ErrNotBound):
		name = "NotBound"
	case errdefs.IsNotFound(err):
		name = "NotFound"
	case errdefs.IsAlreadyExists(err):
		name = "AlreadyExists"
	case errdefs.IsFailedPrecondition(err):
		name = "PreconditionViolated"
	case errdefs.IsPermissionDenied(err):
		name = "PrivilegeViolation"
	case errdefs.IsInvalidArgument(err):
		name = "InvalidArgument"
	case errdefs.IsResourceExhausted(err):
		name = "ResourceExhausted"
	case errdefs.IsUnavailable(err):
		name = "OsOperationFailed"
	default:
		name = "Failed"
	}
	return ErrorPrefix + name
}

func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(ErrorName(err), []interface{}{err.Error()})
}
