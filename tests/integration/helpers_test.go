//go:build integration

package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amirimatin/go-poolcluster/pkg/bootstrap"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/inventory"
	"github.com/amirimatin/go-poolcluster/pkg/model"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func freePort(t *testing.T, network string) int {
	t.Helper()
	switch network {
	case "udp":
		c, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil { t.Fatal(err) }
		defer c.Close()
		return c.LocalAddr().(*net.UDPAddr).Port
	default:
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil { t.Fatal(err) }
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).Port
	}
}

// writeInventory describes n hosts on localhost. When loopbackPIFs is set
// every host gets its own 127.0.0.x cluster address so that real gossip
// rings can form inside one machine.
func writeInventory(t *testing.T, n int, loopbackPIFs bool) string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", freePort(t, "tcp"))
	}
	spec := inventory.UniformSpec(addrs...)
	if loopbackPIFs {
		for i := range spec.PIFs {
			spec.PIFs[i].IP = fmt.Sprintf("127.0.0.%d", i+1)
		}
	}
	b, err := yaml.Marshal(spec)
	if err != nil { t.Fatal(err) }
	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, b, 0o644); err != nil { t.Fatal(err) }
	return path
}

// startAgents runs one agent per host of the inventory. cfg supplies the
// shared settings; mutate adjusts each host's copy.
func startAgents(t *testing.T, ctx context.Context, n int, cfg bootstrap.Config, mutate func(i int, c *bootstrap.Config)) []*bootstrap.Agent {
	t.Helper()
	var agents []*bootstrap.Agent
	for i := 1; i <= n; i++ {
		c := cfg
		c.Host = inventory.UniformHost(i).String()
		if c.Logger == nil { c.Logger = quiet() }
		if mutate != nil { mutate(i, &c) }
		a, err := bootstrap.Run(ctx, c)
		if err != nil { t.Fatalf("agent %d: %v", i, err) }
		t.Cleanup(func() { _ = a.Close(context.Background()) })
		agents = append(agents, a)
	}
	return agents
}

func createReq() cluster.PoolCreateRequest {
	return cluster.PoolCreateRequest{
		Network: inventory.UniformNetwork, ClusterStack: model.StackCorosync,
		TokenTimeout: model.DefaultTokenTimeout, TokenTimeoutCoefficient: model.DefaultTokenTimeoutCoefficient,
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() { return }
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// writePKI writes a CA plus one leaf certificate for 127.0.0.1 that serves
// as both server and client identity.
func writePKI(t *testing.T) (ca, cert, key string) {
	t.Helper()
	dir := t.TempDir()
	caKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	caTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "pool-ca"},
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour),
		IsCA: true, BasicConstraintsValid: true, KeyUsage: x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil { t.Fatal(err) }
	caCert, _ := x509.ParseCertificate(caDER)

	leafKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2), Subject: pkix.Name{CommonName: "pool-agent"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:   time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil { t.Fatal(err) }
	keyDER, _ := x509.MarshalECPrivateKey(leafKey)

	write := func(name, typ string, der []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil { t.Fatal(err) }
		return p
	}
	return write("ca.pem", "CERTIFICATE", caDER), write("agent.pem", "CERTIFICATE", leafDER), write("agent.key", "EC PRIVATE KEY", keyDER)
}
