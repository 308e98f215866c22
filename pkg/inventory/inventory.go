// Package inventory describes a resource pool from a YAML file: its hosts,
// networks, physical interfaces, storage and licensing. It is the source of
// pool facts that the clustering layer consumes through narrow interfaces.
package inventory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/internal/validate"
	"github.com/amirimatin/go-poolcluster/pkg/model"
)

// FeatureClustering is the license feature gating clustering.
const FeatureClustering = "clustering"

// Spec is the on-disk description of a pool.
type Spec struct {
	Master         model.Ref       `yaml:"master" validate:"required"`
	Hosts          []HostSpec      `yaml:"hosts" validate:"required,min=1,dive"`
	Networks       []NetworkSpec   `yaml:"networks" validate:"dive"`
	PIFs           []PIFSpec       `yaml:"pifs" validate:"dive"`
	SRs            []SRSpec        `yaml:"srs" validate:"dive"`
	Features       map[string]bool `yaml:"features"`
	HAClusterStack string          `yaml:"ha_cluster_stack"`
}

type HostSpec struct {
	Ref     model.Ref `yaml:"ref" validate:"required"`
	Name    string    `yaml:"name"`
	Address string    `yaml:"address" validate:"required,hostname_port"`
}

type NetworkSpec struct {
	Ref  model.Ref `yaml:"ref" validate:"required"`
	Name string    `yaml:"name"`
}

type PIFSpec struct {
	Ref               model.Ref `yaml:"ref" validate:"required"`
	Host              model.Ref `yaml:"host" validate:"required"`
	Network           model.Ref `yaml:"network" validate:"required"`
	Device            string    `yaml:"device"`
	IP                string    `yaml:"ip" validate:"omitempty,ip"`
	DisallowUnplug    bool      `yaml:"disallow_unplug"`
	CurrentlyAttached bool      `yaml:"currently_attached"`
}

type SRSpec struct {
	Ref                  model.Ref   `yaml:"ref" validate:"required"`
	Name                 string      `yaml:"name"`
	RequiredClusterStack []string    `yaml:"required_cluster_stack"`
	AttachedHosts        []model.Ref `yaml:"attached_hosts"`
}

// Parse decodes and validates a pool description.
func Parse(data []byte) (Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil { return s, fmt.Errorf("inventory: %w", err) }
	if err := s.Validate(); err != nil { return s, err }
	return s, nil
}

// Load reads and parses the pool description at path.
func Load(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil { return nil, fmt.Errorf("inventory: %w", err) }
	s, err := Parse(data)
	if err != nil { return nil, err }
	return New(s), nil
}

// Validate checks struct tags and that every reference resolves.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil { return fmt.Errorf("inventory: %w", err) }
	hosts := map[model.Ref]bool{}
	for _, h := range s.Hosts {
		if hosts[h.Ref] { return fmt.Errorf("inventory: duplicate host %s", h.Ref) }
		hosts[h.Ref] = true
	}
	if !hosts[s.Master] { return fmt.Errorf("inventory: master %s is not a pool host", s.Master) }
	networks := map[model.Ref]bool{}
	for _, n := range s.Networks {
		networks[n.Ref] = true
	}
	seen := map[[2]model.Ref]bool{}
	for _, p := range s.PIFs {
		if !hosts[p.Host] { return fmt.Errorf("inventory: pif %s: unknown host %s", p.Ref, p.Host) }
		if !networks[p.Network] { return fmt.Errorf("inventory: pif %s: unknown network %s", p.Ref, p.Network) }
		k := [2]model.Ref{p.Host, p.Network}
		if seen[k] { return fmt.Errorf("inventory: host %s has two pifs on network %s", p.Host, p.Network) }
		seen[k] = true
	}
	for _, sr := range s.SRs {
		for _, h := range sr.AttachedHosts {
			if !hosts[h] { return fmt.Errorf("inventory: sr %s: unknown host %s", sr.Ref, h) }
		}
	}
	return nil
}

// Pool serves a validated Spec. The HA cluster stack and license features
// may change at runtime; everything else is fixed.
type Pool struct {
	mu   sync.RWMutex
	spec Spec
}

func New(s Spec) *Pool {
	if s.HAClusterStack == "" { s.HAClusterStack = model.StackDefaultHA }
	return &Pool{spec: s}
}

func (p *Pool) Master(ctx context.Context) (model.Ref, error) { return p.spec.Master, nil }

func (p *Pool) Slaves(ctx context.Context) ([]model.Ref, error) {
	out := make([]model.Ref, 0, len(p.spec.Hosts))
	for _, h := range p.spec.Hosts {
		if h.Ref != p.spec.Master {
			out = append(out, h.Ref)
		}
	}
	return out, nil
}

// Hosts returns every host ref, master included, in file order.
func (p *Pool) Hosts() []model.Ref {
	out := make([]model.Ref, 0, len(p.spec.Hosts))
	for _, h := range p.spec.Hosts {
		out = append(out, h.Ref)
	}
	return out
}

// Address returns the management address of host.
func (p *Pool) Address(host model.Ref) (string, error) {
	for _, h := range p.spec.Hosts {
		if h.Ref == host {
			return h.Address, nil
		}
	}
	return "", apierr.New(apierr.HandleInvalid, "host", host.String())
}

// HostByName resolves a host by ref or name.
func (p *Pool) HostByName(name string) (model.Ref, bool) {
	for _, h := range p.spec.Hosts {
		if h.Name == name || string(h.Ref) == name {
			return h.Ref, true
		}
	}
	return "", false
}

// NetworkByName resolves a network by ref or name.
func (p *Pool) NetworkByName(name string) (model.Ref, bool) {
	for _, n := range p.spec.Networks {
		if n.Name == name || string(n.Ref) == name {
			return n.Ref, true
		}
	}
	return "", false
}

func (p *Pool) PIF(ctx context.Context, ref model.Ref) (model.PIF, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.spec.PIFs {
		if s.Ref == ref {
			return s.model(), nil
		}
	}
	return model.PIF{}, apierr.New(apierr.HandleInvalid, "PIF", ref.String())
}

func (p *Pool) PIFForHost(ctx context.Context, host, network model.Ref) (model.PIF, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.spec.PIFs {
		if s.Host == host && s.Network == network {
			return s.model(), nil
		}
	}
	return model.PIF{}, apierr.New(apierr.InternalError, fmt.Sprintf("host %s has no PIF on network %s", host, network))
}

func (p *Pool) AssertPIFPrerequisites(ctx context.Context, pif model.PIF) error {
	switch {
	case pif.IP == "":
		return apierr.New(apierr.PIFHasNoNetworkConfiguration, pif.Ref.String())
	case !pif.CurrentlyAttached:
		return apierr.New(apierr.PIFNotAttached, pif.Ref.String())
	case !pif.DisallowUnplug:
		return apierr.New(apierr.PIFAllowsUnplug, pif.Ref.String())
	}
	return nil
}

// SetPIFAttached changes the attachment state of a PIF.
func (p *Pool) SetPIFAttached(ref model.Ref, attached bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.spec.PIFs {
		if p.spec.PIFs[i].Ref == ref {
			p.spec.PIFs[i].CurrentlyAttached = attached
			return nil
		}
	}
	return apierr.New(apierr.HandleInvalid, "PIF", ref.String())
}

func (p *Pool) AssertNoClusterStackSR(ctx context.Context, host model.Ref, stack string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sr := range p.spec.SRs {
		if slices.Contains(sr.RequiredClusterStack, stack) && slices.Contains(sr.AttachedHosts, host) {
			return apierr.New(apierr.ClusterStackInUse, stack)
		}
	}
	return nil
}

// DetachSR unplugs sr from host.
func (p *Pool) DetachSR(sr, host model.Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.spec.SRs {
		if p.spec.SRs[i].Ref == sr {
			p.spec.SRs[i].AttachedHosts = slices.DeleteFunc(p.spec.SRs[i].AttachedHosts, func(h model.Ref) bool { return h == host })
		}
	}
}

func (p *Pool) AssertClusteringEnabled(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if on, ok := p.spec.Features[FeatureClustering]; ok && !on {
		return apierr.New(apierr.LicenceRestriction, FeatureClustering)
	}
	return nil
}

// SetFeature toggles a license feature.
func (p *Pool) SetFeature(name string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spec.Features == nil { p.spec.Features = map[string]bool{} }
	p.spec.Features[name] = on
}

func (p *Pool) SetClusterStack(ctx context.Context, stack string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec.HAClusterStack = stack
	return nil
}

// ClusterStack returns the HA cluster stack currently recorded.
func (p *Pool) ClusterStack() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.spec.HAClusterStack
}

func (s PIFSpec) model() model.PIF {
	return model.PIF{
		Ref: s.Ref, Host: s.Host, Network: s.Network, Device: s.Device, IP: s.IP,
		DisallowUnplug: s.DisallowUnplug, CurrentlyAttached: s.CurrentlyAttached,
	}
}

var (
	_ cluster.PoolInfo        = (*Pool)(nil)
	_ cluster.NetworkResolver = (*Pool)(nil)
	_ cluster.StorageChecker  = (*Pool)(nil)
	_ cluster.FeatureGate     = (*Pool)(nil)
	_ cluster.HABookkeeper    = (*Pool)(nil)
)
