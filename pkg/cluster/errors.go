package cluster

import (
	"errors"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/daemon"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
)

// daemonErr translates a daemon failure into an API error.
func daemonErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := apierr.As(err); ok {
		return e
	}
	var de *daemon.Error
	if errors.As(err, &de) {
		if de.Kind == daemon.KindNotResponding {
			return apierr.New(apierr.ClusteringDaemonNotResponding, de.Message)
		}
		return apierr.New(apierr.InternalError, string(de.Kind)+": "+de.Message)
	}
	return apierr.Internal(err)
}

// regErr translates a registry failure concerning the object ref of class.
func regErr(err error, class string, ref model.Ref) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrNotFound):
		return apierr.New(apierr.HandleInvalid, class, ref.String())
	case errors.Is(err, registry.ErrDuplicate):
		return apierr.New(apierr.ClusterHostAlreadyExists, ref.String())
	}
	return apierr.Internal(err)
}
