package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// TLSOptions describe the key material and policy of the encrypted kinds.
type TLSOptions struct {
	// KeyStore holds this side's certificate chain and private key, either as
	// a PEM file containing both or as a PKCS#12 file (.p12, .pfx).
	KeyStore         string
	KeyStorePassword string
	// TrustStore holds the CA certificates peers are verified against.
	TrustStore         string
	TrustStorePassword string
	// ClientAuth makes the server require and verify client certificates.
	ClientAuth bool
	// CipherSuites restricts TLS 1.2 suites by their IANA names.
	CipherSuites []string
	// Protocols restricts versions, e.g. "TLSv1.2", "TLSv1.3".
	Protocols []string
}

// Empty reports whether no key material is configured.
func (o TLSOptions) Empty() bool {
	return o.KeyStore == "" && o.TrustStore == ""
}

// BuildTLS turns TLSOptions into server and client configurations.
//
// Returns:
//   - The server configuration (nil when no keystore is given)
//   - The client configuration
//   - An error if a store cannot be read or a suite/protocol name is unknown
func BuildTLS(o TLSOptions) (server *tls.Config, client *tls.Config, err error) {
	suites, err := cipherSuiteIDs(o.CipherSuites)
	if err != nil {
		return nil, nil, err
	}

	minVersion, maxVersion, err := protocolRange(o.Protocols)
	if err != nil {
		return nil, nil, err
	}

	var pool *x509.CertPool
	if o.TrustStore != "" {
		if pool, err = loadTrustStore(o.TrustStore, o.TrustStorePassword); err != nil {
			return nil, nil, err
		}
	}

	var certs []tls.Certificate
	if o.KeyStore != "" {
		cert, err := loadKeyStore(o.KeyStore, o.KeyStorePassword)
		if err != nil {
			return nil, nil, err
		}
		certs = []tls.Certificate{cert}
	}

	client = &tls.Config{
		RootCAs:      pool,
		CipherSuites: suites,
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
	}
	if o.ClientAuth {
		client.Certificates = certs
	}

	if len(certs) > 0 {
		server = &tls.Config{
			Certificates: certs,
			ClientCAs:    pool,
			CipherSuites: suites,
			MinVersion:   minVersion,
			MaxVersion:   maxVersion,
		}
		if o.ClientAuth {
			server.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	return server, client, nil
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

func loadKeyStore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: keystore: %w", err)
	}

	if isPKCS12(path) {
		blocks, err := pkcs12.ToPEM(data, password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("transport: keystore %s: %w", path, err)
		}
		var pemData []byte
		for _, b := range blocks {
			pemData = append(pemData, pem.EncodeToMemory(b)...)
		}
		data = pemData
	}

	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: keystore %s: %w", path, err)
	}
	return cert, nil
}

func loadTrustStore(path, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: truststore: %w", err)
	}

	pool := x509.NewCertPool()
	if isPKCS12(path) {
		blocks, err := pkcs12.ToPEM(data, password)
		if err != nil {
			return nil, fmt.Errorf("transport: truststore %s: %w", path, err)
		}
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("transport: truststore %s: %w", path, err)
			}
			pool.AddCert(cert)
		}
		return pool, nil
	}

	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("transport: truststore %s: no certificates found", path)
	}
	return pool, nil
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := known[n]
		if !ok {
			return nil, fmt.Errorf("transport: unknown or insecure cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func protocolRange(names []string) (minVersion, maxVersion uint16, err error) {
	for _, n := range names {
		var v uint16
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "TLSV1.2", "TLS1.2":
			v = tls.VersionTLS12
		case "TLSV1.3", "TLS1.3":
			v = tls.VersionTLS13
		default:
			return 0, 0, fmt.Errorf("transport: unsupported protocol %q", n)
		}
		if minVersion == 0 || v < minVersion {
			minVersion = v
		}
		if v > maxVersion {
			maxVersion = v
		}
	}
	return minVersion, maxVersion, nil
}
