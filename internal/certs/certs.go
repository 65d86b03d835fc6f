// Package certs generates and loads the certificates used for mutual TLS between cellrun and an engine.
//
// A certificate directory holds a CA and a server and a client certificate signed by it.
// The engine serves with the server certificate and only accepts clients presenting a certificate signed by the CA.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	CAFile         = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// DefaultValidity is how long generated certificates are valid.
const DefaultValidity = 30 * 24 * time.Hour

// Set is a CA with the server and client key pairs it signed, PEM encoded.
type Set struct {
	CACert     []byte
	ServerCert []byte
	ServerKey  []byte
	ClientCert []byte
	ClientKey  []byte
}

type keyPair struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

// sign creates a certificate from tmpl. A nil parent makes it self-signed.
func sign(tmpl *x509.Certificate, parent *keyPair) (*keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	signer, signerKey := tmpl, key
	if parent != nil {
		signer, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing created cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return &keyPair{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Generate creates a new CA and the key pairs it signs.
// The server certificate is valid for localhost, the loopback addresses and the given hosts.
func Generate(hosts []string, validity time.Duration) (*Set, error) {
	now := time.Now()

	caSerial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	ca, err := sign(&x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: "cellrun CA"},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverSerial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	serverTmpl := &x509.Certificate{
		SerialNumber: serverSerial,
		Subject:      pkix.Name{CommonName: "cellrun engine"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			serverTmpl.IPAddresses = append(serverTmpl.IPAddresses, ip)
		} else {
			serverTmpl.DNSNames = append(serverTmpl.DNSNames, h)
		}
	}
	server, err := sign(serverTmpl, ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientSerial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	client, err := sign(&x509.Certificate{
		SerialNumber: clientSerial,
		Subject:      pkix.Name{CommonName: "cellrun client"},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Set{
		CACert:     ca.certPEM,
		ServerCert: server.certPEM,
		ServerKey:  server.keyPEM,
		ClientCert: client.certPEM,
		ClientKey:  client.keyPEM,
	}, nil
}

type pemFile struct {
	name string
	data *[]byte
	perm fs.FileMode
}

func (s *Set) files() []pemFile {
	return []pemFile{
		{CAFile, &s.CACert, 0o644},
		{ServerCertFile, &s.ServerCert, 0o644},
		{ServerKeyFile, &s.ServerKey, 0o600},
		{ClientCertFile, &s.ClientCert, 0o644},
		{ClientKeyFile, &s.ClientKey, 0o600},
	}
}

// Write stores the set in dir, creating it if needed.
func (s *Set) Write(dir string) error {
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	for _, f := range s.files() {
		err := os.WriteFile(filepath.Join(dir, f.name), *f.data, f.perm)
		if err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// Load reads a set written by Write.
func Load(dir string) (*Set, error) {
	s := &Set{}
	for _, f := range s.files() {
		b, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.name, err)
		}
		*f.data = b
	}
	return s, nil
}

// LoadOrGenerate loads the set in dir, or generates one and writes it there if dir holds no CA.
func LoadOrGenerate(dir string, hosts []string) (*Set, error) {
	_, err := os.Stat(filepath.Join(dir, CAFile))
	if err == nil {
		return Load(dir)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	s, err := Generate(hosts, DefaultValidity)
	if err != nil {
		return nil, err
	}
	err = s.Write(dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func certPool(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no CA certificate found")
	}
	return pool, nil
}

// ServerTLSConfig requires clients to present a certificate signed by the set's CA.
func (s *Set) ServerTLSConfig() (*tls.Config, error) {
	pool, err := certPool(s.CACert)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(s.ServerCert, s.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (s *Set) ClientTLSConfig() (*tls.Config, error) {
	pool, err := certPool(s.CACert)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(s.ClientCert, s.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}
