package cluster

import (
	"math"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/model"
)

// ValidateParams checks the membership timeouts shared by single-host and
// pool-wide creation. It has no side effects.
func ValidateParams(tokenTimeout, coefficient float64) error {
	if !finite(tokenTimeout) || tokenTimeout < model.MinTokenTimeout {
		return apierr.Invalid("token_timeout", tokenTimeout)
	}
	if !finite(coefficient) || coefficient < model.MinTokenTimeoutCoefficient {
		return apierr.Invalid("token_timeout_coefficient", coefficient)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func millis(seconds float64) *int64 {
	v := int64(math.Round(seconds * 1000))
	return &v
}
