// Package errs centralizes error construction and inspection for the whole
// module. It re-exports github.com/cockroachdb/errors so call sites never
// import it directly, and defines the sentinel kinds from the error taxonomy.
package errs

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New    = crdb.New
	Newf   = crdb.Newf
	Wrap   = crdb.Wrap
	Wrapf  = crdb.Wrapf
	Is     = crdb.Is
	As     = crdb.As
	Mark   = crdb.Mark
	Opaque = crdb.HandledWithMessage

	WithHint   = crdb.WithHint
	WithDetail = crdb.WithDetail

	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel kinds. RPC and job handlers classify a fault by walking the mark
// chain against these with Is/As, never by string-matching messages.
var (
	ErrWorkerStartFailed   = crdb.New("worker start failed")
	ErrWorkerTerminated    = crdb.New("worker terminated")
	ErrAlreadyInitialized  = crdb.New("already initialized")
	ErrUnknownMethod       = crdb.New("unknown method")
	ErrAuthRequired        = crdb.New("authentication required")
	ErrTokenRefreshFailed  = crdb.New("token refresh failed")
	ErrPluginNotLoaded     = crdb.New("plugin not loaded")
	ErrPluginInitFailed    = crdb.New("plugin initialization failed")
	ErrCommandUnknown      = crdb.New("command unknown")
	ErrCommandFailed       = crdb.New("command failed")
	ErrEnvironmentNotReg   = crdb.New("environment not registered")
	ErrDisposed            = crdb.New("disposed")
	ErrCancelled           = crdb.New("cancelled")
	ErrTimeout             = crdb.New("timeout")
	ErrIndexStartFailed    = crdb.New("index start failed")
	ErrIndexInProgress     = crdb.New("index already in progress")
	ErrComponentNotFound   = crdb.New("component not found")
	ErrLayerNotFound       = crdb.New("layer not found")
	ErrInvalidRequest      = crdb.New("invalid request")
)

// Kind returns the taxonomy sentinel matching err's mark chain, or nil if
// err does not carry one of the known marks. RPC handlers use this to decide
// the response code instead of forwarding raw error text.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	candidates := []error{
		ErrWorkerStartFailed, ErrWorkerTerminated, ErrAlreadyInitialized, ErrUnknownMethod,
		ErrAuthRequired, ErrTokenRefreshFailed, ErrPluginNotLoaded, ErrPluginInitFailed,
		ErrCommandUnknown, ErrCommandFailed, ErrEnvironmentNotReg, ErrDisposed, ErrCancelled,
		ErrTimeout, ErrIndexStartFailed, ErrIndexInProgress, ErrComponentNotFound,
		ErrLayerNotFound, ErrInvalidRequest,
	}
	for _, c := range candidates {
		if crdb.Is(err, c) {
			return c
		}
	}
	return nil
}

// Code returns a short machine-readable string for the error's taxonomy kind,
// "InternalError" if the error carries no known mark.
func Code(err error) string {
	switch Kind(err) {
	case ErrWorkerStartFailed:
		return "WorkerStartFailed"
	case ErrWorkerTerminated:
		return "WorkerTerminated"
	case ErrAlreadyInitialized:
		return "AlreadyInitialized"
	case ErrUnknownMethod:
		return "UnknownMethod"
	case ErrAuthRequired:
		return "AuthRequired"
	case ErrTokenRefreshFailed:
		return "TokenRefreshFailed"
	case ErrPluginNotLoaded:
		return "PluginNotLoaded"
	case ErrPluginInitFailed:
		return "PluginInitializationFailed"
	case ErrCommandUnknown:
		return "CommandUnknown"
	case ErrCommandFailed:
		return "CommandFailed"
	case ErrEnvironmentNotReg:
		return "EnvironmentNotRegistered"
	case ErrDisposed:
		return "Disposed"
	case ErrCancelled:
		return "Cancelled"
	case ErrTimeout:
		return "Timeout"
	case ErrIndexStartFailed:
		return "IndexStartFailed"
	case ErrIndexInProgress:
		return "IndexInProgress"
	case ErrComponentNotFound:
		return "ComponentNotFound"
	case ErrLayerNotFound:
		return "LayerNotFound"
	case ErrInvalidRequest:
		return "InvalidRequest"
	default:
		return "InternalError"
	}
}
