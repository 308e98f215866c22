package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writePKI writes a CA and one leaf certificate for "agent" signed by it.
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
		SerialNumber: big.NewInt(2), Subject: pkix.Name{CommonName: "agent"}, DNSNames: []string{"agent"},
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour),
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

func TestDisabledYieldsNil(t *testing.T) {
	s, err := Options{}.Server()
	if s != nil || err != nil { t.Fatalf("server %v %v", s, err) }
	c, err := Options{}.Client()
	if c != nil || err != nil { t.Fatalf("client %v %v", c, err) }
}

func TestServerRequiresKeyPair(t *testing.T) {
	if _, err := (Options{Enable: true}).Server(); err == nil { t.Fatalf("expected error") }
	if _, err := (Options{Enable: true, CertFile: "/nope", KeyFile: "/nope"}).Server(); err == nil { t.Fatalf("expected load error") }
}

func TestBadCA(t *testing.T) {
	_, cert, key := writePKI(t)
	bad := filepath.Join(t.TempDir(), "ca.pem")
	_ = os.WriteFile(bad, []byte("not pem"), 0o600)
	if _, err := (Options{Enable: true, CAFile: bad, CertFile: cert, KeyFile: key}).Server(); err == nil {
		t.Fatalf("expected CA error")
	}
}

func TestMutualHandshake(t *testing.T) {
	ca, cert, key := writePKI(t)
	opts := Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, ServerName: "agent"}
	srvCfg, err := opts.Server()
	if err != nil { t.Fatal(err) }
	if srvCfg.ClientAuth != tls.RequireAndVerifyClientCert { t.Fatalf("client auth %v", srvCfg.ClientAuth) }
	cliCfg, err := opts.Client()
	if err != nil { t.Fatal(err) }

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	errc := make(chan error, 1)
	go func() { errc <- tls.Server(a, srvCfg).Handshake() }()
	cli := tls.Client(b, cliCfg)
	if err := cli.Handshake(); err != nil { t.Fatalf("client handshake: %v", err) }
	if err := <-errc; err != nil { t.Fatalf("server handshake: %v", err) }
	if got := cli.ConnectionState().PeerCertificates[0].Subject.CommonName; got != "agent" {
		t.Fatalf("peer %q", got)
	}
}
