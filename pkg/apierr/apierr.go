// Package apierr defines the structured errors returned by the clustering API.
// An Error carries a stable code plus positional parameters that identify the
// objects involved, and is JSON-encodable so it survives a transport hop.
package apierr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error codes.
const (
	InvalidValue                  = "INVALID_VALUE"
	InternalError                 = "INTERNAL_ERROR"
	HandleInvalid                 = "HANDLE_INVALID"
	LicenceRestriction            = "LICENCE_RESTRICTION"
	InvalidClusterStack           = "INVALID_CLUSTER_STACK"
	ClusterAlreadyExists          = "CLUSTER_ALREADY_EXISTS"
	ClusterHostAlreadyExists      = "CLUSTER_HOST_ALREADY_EXISTS"
	ClusterDoesNotHaveOneNode     = "CLUSTER_DOES_NOT_HAVE_ONE_NODE"
	ClusterForceDestroyFailed     = "CLUSTER_FORCE_DESTROY_FAILED"
	ClusterStackInUse             = "CLUSTER_STACK_IN_USE"
	NoCompatibleClusterHost       = "NO_COMPATIBLE_CLUSTER_HOST"
	OperationHostNotLocal         = "OPERATION_HOST_NOT_LOCAL"
	PIFHasNoNetworkConfiguration  = "PIF_HAS_NO_NETWORK_CONFIGURATION"
	PIFNotAttached                = "PIF_NOT_ATTACHED"
	PIFAllowsUnplug               = "PIF_ALLOWS_UNPLUG"
	ClusteringDaemonNotResponding = "CLUSTERING_DAEMON_NOT_RESPONDING"
	// RegistryFailure carries a registry error across a transport hop;
	// params are the failure kind and the message.
	RegistryFailure = "REGISTRY_FAILURE"
)

// Error is a server error as seen by API clients.
type Error struct {
	Code   string   `json:"code"`
	Params []string `json:"params,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Params) == 0 {
		return e.Code
	}
	return e.Code + ": [" + strings.Join(e.Params, "; ") + "]"
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c})
// works regardless of params.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New builds an Error with the given code and params.
func New(code string, params ...string) *Error {
	return &Error{Code: code, Params: params}
}

// Is reports whether err (or anything it wraps) is an API error with code.
func Is(err error, code string) bool {
	return errors.Is(err, &Error{Code: code})
}

// As extracts the API error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Internal wraps an arbitrary failure as INTERNAL_ERROR, unless it already is
// an API error.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return New(InternalError, err.Error())
}

// Invalid reports a parameter outside its allowed range.
func Invalid(field string, value any) *Error {
	return New(InvalidValue, field, fmt.Sprint(value))
}

// NotOneNode reports a simple destroy attempted on a multi-member cluster.
func NotOneNode(count int) *Error {
	return New(ClusterDoesNotHaveOneNode, strconv.Itoa(count))
}
