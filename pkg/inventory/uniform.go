package inventory

import (
	"fmt"

	"github.com/amirimatin/go-poolcluster/pkg/model"
)

// Well-known refs of pools built by UniformSpec.
const (
	UniformNetwork model.Ref = "OpaqueRef:network-cluster"
	UniformSR      model.Ref = "OpaqueRef:sr-gfs2"
)

// UniformHost and UniformPIF name the refs UniformSpec gives to host i
// (1-based).
func UniformHost(i int) model.Ref { return model.Ref(fmt.Sprintf("OpaqueRef:host-%d", i)) }
func UniformPIF(i int) model.Ref  { return model.Ref(fmt.Sprintf("OpaqueRef:pif-%d", i)) }

// UniformSpec describes a pool with one host per management address, host 1
// as master, and a single clustering network on which every host has an
// attached, unplug-protected PIF with address 10.0.0.<i>. The pool also has
// a corosync-backed SR that is not attached anywhere.
func UniformSpec(addrs ...string) Spec {
	s := Spec{
		Master:   UniformHost(1),
		Networks: []NetworkSpec{{Ref: UniformNetwork, Name: "cluster"}},
		SRs:      []SRSpec{{Ref: UniformSR, Name: "gfs2", RequiredClusterStack: []string{model.StackCorosync}}},
		Features: map[string]bool{FeatureClustering: true},
	}
	for i, addr := range addrs {
		n := i + 1
		s.Hosts = append(s.Hosts, HostSpec{Ref: UniformHost(n), Name: fmt.Sprintf("host%d", n), Address: addr})
		s.PIFs = append(s.PIFs, PIFSpec{
			Ref: UniformPIF(n), Host: UniformHost(n), Network: UniformNetwork, Device: "eth1",
			IP: fmt.Sprintf("10.0.0.%d", n), DisallowUnplug: true, CurrentlyAttached: true,
		})
	}
	return s
}

// AttachSR plugs sr into host.
func (p *Pool) AttachSR(sr, host model.Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.spec.SRs {
		if p.spec.SRs[i].Ref == sr {
			p.spec.SRs[i].AttachedHosts = append(p.spec.SRs[i].AttachedHosts, host)
		}
	}
}
