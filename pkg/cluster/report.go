package cluster

import (
	"errors"
	"fmt"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/model"
)

// Phase names the step of a pool operation an Outcome belongs to.
type Phase string

const (
	PhaseGraceful Phase = "graceful"
	PhaseForced   Phase = "forced"
	PhaseResync   Phase = "resync"
)

// Outcome is the result of one per-host step.
type Outcome struct {
	Host        model.Ref `json:"host"`
	ClusterHost model.Ref `json:"cluster_host,omitempty"`
	Phase       Phase     `json:"phase"`
	Error       string    `json:"error,omitempty"`
	// APIError keeps the code and params of a structured failure across the
	// wire.
	APIError *apierr.Error `json:"api_error,omitempty"`

	err error
}

// Err returns the failure of the step, nil on success. Outcomes decoded from
// the wire return their API error when there was one, else the message.
func (o Outcome) Err() error {
	switch {
	case o.err != nil:
		return o.err
	case o.APIError != nil:
		return o.APIError
	case o.Error != "":
		return errors.New(o.Error)
	}
	return nil
}

// Report collects the per-host outcomes of a pool-wide operation so the
// caller decides what a partial failure means.
type Report struct {
	Op       string    `json:"op"`
	Cluster  model.Ref `json:"cluster"`
	Outcomes []Outcome `json:"outcomes"`
}

func (r *Report) record(host, ch model.Ref, phase Phase, err error) {
	o := Outcome{Host: host, ClusterHost: ch, Phase: phase, err: err}
	if err != nil {
		o.Error = err.Error()
		if e, ok := apierr.As(err); ok {
			o.APIError = e
		}
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Failed returns the failed outcomes of phase, or of every phase when phase
// is empty.
func (r *Report) Failed(phase Phase) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Error != "" && (phase == "" || o.Phase == phase) {
			out = append(out, o)
		}
	}
	return out
}

// Err joins every recorded failure, nil when all steps succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Failed("") {
		errs = append(errs, fmt.Errorf("%s on %s: %w", o.Phase, o.Host, o.Err()))
	}
	return errors.Join(errs...)
}
