package model

import (
	"strings"

	"github.com/google/uuid"
)

// Ref is an opaque object reference as handed out by the API server, e.g.
// "OpaqueRef:1b6a0f0e-...". Hosts, networks and PIFs are referenced the same
// way as Cluster and ClusterHost records.
type Ref string

// NullRef is the reference of no object.
const NullRef Ref = "OpaqueRef:NULL"

const refPrefix = "OpaqueRef:"

// NewRef allocates a fresh reference together with the record uuid.
func NewRef() (Ref, string) {
	id := uuid.NewString()
	return Ref(refPrefix + uuid.NewString()), id
}

// IsNull reports whether r does not point at any object.
func (r Ref) IsNull() bool { return r == "" || r == NullRef }

func (r Ref) String() string { return string(r) }

// Short strips the "OpaqueRef:" prefix for log lines.
func (r Ref) Short() string { return strings.TrimPrefix(string(r), refPrefix) }

// Cluster stacks.
const (
	StackCorosync = "corosync"
	// StackDefaultHA is the HA cluster stack used by the pool when no Cluster exists.
	StackDefaultHA = "xhad"
)

// Tunable bounds and defaults of the membership protocol, in seconds.
const (
	MinTokenTimeout                = 1.0
	MinTokenTimeoutCoefficient     = 0.65
	DefaultTokenTimeout            = 20.0
	DefaultTokenTimeoutCoefficient = 1.0
)

// Allowed operation names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpDestroy = "destroy"
	OpEnable  = "enable"
	OpDisable = "disable"
)

// Cluster is the pool-wide record of one membership group.
type Cluster struct {
	Ref                     Ref               `json:"ref"`
	UUID                    string            `json:"uuid"`
	Network                 Ref               `json:"network"`
	ClusterToken            string            `json:"cluster_token"`
	ClusterStack            string            `json:"cluster_stack"`
	TokenTimeout            float64           `json:"token_timeout"`
	TokenTimeoutCoefficient float64           `json:"token_timeout_coefficient"`
	PoolAutoJoin            bool              `json:"pool_auto_join"`
	PendingForget           []string          `json:"pending_forget"`
	CurrentOperations       map[string]string `json:"current_operations"`
	AllowedOperations       []string          `json:"allowed_operations"`
}

// ClusterHost is the per-host membership record of a Cluster.
type ClusterHost struct {
	Ref               Ref               `json:"ref"`
	UUID              string            `json:"uuid"`
	Cluster           Ref               `json:"cluster"`
	Host              Ref               `json:"host"`
	PIF               Ref               `json:"pif"`
	Enabled           bool              `json:"enabled"`
	Joined            bool              `json:"joined"`
	CurrentOperations map[string]string `json:"current_operations"`
	AllowedOperations []string          `json:"allowed_operations"`
}

// InCluster reports whether the host owning h is a full member.
func (h ClusterHost) InCluster() bool { return h.Enabled && h.Joined }

// PIF is the subset of a physical interface record clustering depends on.
type PIF struct {
	Ref               Ref    `json:"ref"`
	Host              Ref    `json:"host"`
	Network           Ref    `json:"network"`
	Device            string `json:"device"`
	IP                string `json:"ip"`
	DisallowUnplug    bool   `json:"disallow_unplug"`
	CurrentlyAttached bool   `json:"currently_attached"`
}
