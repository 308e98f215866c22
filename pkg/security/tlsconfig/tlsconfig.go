// Package tlsconfig builds the mutual-TLS configurations of the management
// transport. Certificates are re-read from disk on handshake so operators
// can rotate them without restarting agents.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// reloadEvery bounds how long a loaded key pair is reused.
const reloadEvery = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
	Enable             bool   `yaml:"enable"`
	CAFile             string `yaml:"ca"`
	CertFile           string `yaml:"cert" validate:"required_if=Enable true"`
	KeyFile            string `yaml:"key" validate:"required_if=Enable true"`
	InsecureSkipVerify bool   `yaml:"skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// Server returns the agent-side config, nil when TLS is disabled. With a CA
// configured, peers must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
	if _, err := kp.get(); err != nil { return nil, err }
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil { return nil, err }
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
	return cfg, nil
}

// Client returns the config used to call other agents, nil when TLS is
// disabled. The client certificate is optional.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" { cfg.ServerName = o.ServerName }
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil { return nil, err }
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
		if _, err := kp.get(); err != nil { return nil, err }
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil { return nil, err }
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}

// keyPair caches a certificate loaded from disk for reloadEvery.
type keyPair struct {
	cert, key string

	mu     sync.RWMutex
	cached *tls.Certificate
	loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
	k.mu.RLock()
	if k.cached != nil && time.Since(k.loaded) < reloadEvery {
		c := k.cached
		k.mu.RUnlock()
		return c, nil
	}
	k.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(k.cert, k.key)
	if err != nil { return nil, err }
	k.mu.Lock()
	k.cached, k.loaded = &cert, time.Now()
	k.mu.Unlock()
	return &cert, nil
}
