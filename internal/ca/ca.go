// Package ca manages the built-in certificate authority for mutual TLS
// between courier services and their clients. The root is RSA and
// self-signed with a 10-year validity period; issued client certificates
// are 2048-bit RSA leaves whose CommonName carries the client ID.
// Certificate-level bookkeeping (issued serials, revocations, the CRL)
// lives in a BoltDB index next to the key material.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	rootCommonName = "Courier Root CA"
	rootKeyBits    = 4096
	clientKeyBits  = 2048
	rootValidity   = 10 * 365 * 24 * time.Hour
)

// Client certificate roles understood by the authority's internal realm.
const (
	RoleSender  = "sender"
	RoleIngress = "ingress"
	RoleWorker  = "worker"
	RoleAdmin   = "admin"
)

// ValidRole reports whether r names a known client certificate role.
func ValidRole(r string) bool {
	switch r {
	case RoleSender, RoleIngress, RoleWorker, RoleAdmin:
		return true
	}
	return false
}

// Options locates the CA material on disk. All four paths are required;
// config derives them under the data directory when not set explicitly.
type Options struct {
	RootCertPath string
	RootKeyPath  string
	CRLPath      string
	IndexPath    string
}

// CA issues, tracks, and revokes courier client certificates.
type CA struct {
	opts Options
	cert *x509.Certificate
	key  *rsa.PrivateKey

	index *index

	mu sync.Mutex // serialises issuance and CRL rewrites
}

// Issued is the result of signing a client certificate.
type Issued struct {
	CertPEM     []byte
	KeyPEM      []byte // empty when signing an external CSR
	SerialHex   string
	Fingerprint string
	NotAfter    time.Time
}

// Open loads or creates the root CA and opens the issuance index.
// If the root cert and key already exist and parse correctly, they are
// reused. Otherwise a fresh root is generated (key 0600, cert 0644).
// The PEM CRL is rebuilt on every open so it always reflects the index.
func Open(opts Options) (*CA, error) {
	for _, p := range []string{opts.RootCertPath, opts.RootKeyPath, opts.CRLPath, opts.IndexPath} {
		if p == "" {
			return nil, errors.New("ca: all four paths (root cert, root key, crl, index) are required")
		}
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return nil, fmt.Errorf("create ca dir: %w", err)
		}
	}

	ca := &CA{opts: opts}

	if fileExists(opts.RootCertPath) && fileExists(opts.RootKeyPath) {
		if err := ca.loadRoot(); err != nil {
			return nil, fmt.Errorf("load ca root: %w", err)
		}
	} else {
		if err := ca.generateRoot(); err != nil {
			return nil, fmt.Errorf("generate ca root: %w", err)
		}
	}

	idx, err := openIndex(opts.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("open ca index: %w", err)
	}
	ca.index = idx

	if err := ca.rebuildCRL(); err != nil {
		ca.index.close()
		return nil, fmt.Errorf("rebuild crl: %w", err)
	}

	return ca, nil
}

// Close releases the issuance index.
func (ca *CA) Close() error {
	return ca.index.close()
}

// IssueClient generates a 2048-bit RSA key pair and signs a client
// certificate for it. CN is the client ID, Organization the sender domain.
// The certificate gets ExtKeyUsageClientAuth only and a random 128-bit
// serial. The private key is returned to the caller and never persisted.
func (ca *CA) IssueClient(clientID, domain, role string, validityDays int) (*Issued, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	key, err := rsa.GenerateKey(rand.Reader, clientKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}

	issued, err := ca.sign(clientID, domain, role, validityDays, &key.PublicKey)
	if err != nil {
		return nil, err
	}

	issued.KeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return issued, nil
}

// SignCSR signs a PEM-encoded PKCS#10 request for an enrolling client.
// The subject CN is forced to clientID regardless of what the CSR carries;
// the requester's subject is not trusted.
func (ca *CA) SignCSR(csrPEM []byte, clientID, domain, role string, validityDays int) (*Issued, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("no CERTIFICATE REQUEST block in csr")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr signature invalid: %w", err)
	}

	return ca.sign(clientID, domain, role, validityDays, csr.PublicKey)
}

// sign builds, signs, and records a client leaf for the given public key.
func (ca *CA) sign(clientID, domain, role string, validityDays int, pub any) (*Issued, error) {
	if validityDays <= 0 {
		validityDays = 365
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   clientID,
			Organization: []string{domain},
		},
		NotBefore: now.Add(-1 * time.Hour), // small backdate to handle clock skew
		NotAfter:  now.Add(time.Duration(validityDays) * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, pub, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign client cert: %w", err)
	}

	issued := &Issued{
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		SerialHex:   fmt.Sprintf("%x", serial),
		Fingerprint: Fingerprint(certDER),
		NotAfter:    tmpl.NotAfter,
	}

	rec := issuedRecord{
		Serial:      issued.SerialHex,
		ClientID:    clientID,
		Domain:      domain,
		Role:        role,
		Fingerprint: issued.Fingerprint,
		IssuedAt:    now,
		NotAfter:    tmpl.NotAfter,
	}
	if err := ca.index.putIssued(rec); err != nil {
		return nil, fmt.Errorf("record issued cert: %w", err)
	}

	return issued, nil
}

// IssueServer generates a key pair and a server certificate for a courier
// listener. hosts may mix DNS names and IP literals; localhost and the
// loopback addresses are always included. The cert also carries ClientAuth
// so services can dial each other with the same keypair.
func (ca *CA) IssueServer(cn string, hosts []string) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, clientKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	dnsNames := []string{"localhost"}
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" && h != "localhost" {
			dnsNames = append(dnsNames, h)
		}
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,

		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign server cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return certPEM, keyPEM, nil
}

// CACertPEM returns the root certificate in PEM format. This is what gets
// distributed to clients so they can verify the courier listeners.
func (ca *CA) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// CertPool returns a pool containing only the root certificate.
func (ca *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// Fingerprint returns the SHA-256 digest of a DER certificate as lowercase
// hex without separators. This is the wire and storage format everywhere.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint canonicalises operator-supplied fingerprints:
// colons stripped, lowercased, and validated as 32 hex bytes.
func NormalizeFingerprint(s string) (string, error) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("fingerprint must be %d hex bytes", sha256.Size)
	}
	return s, nil
}

// --- root material ---

func (ca *CA) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate root serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: rootCommonName},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(rootValidity),

		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0, // leaf-only root, cannot issue sub-CAs
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root cert: %w", err)
	}

	if err := writeCertPEM(ca.opts.RootCertPath, certDER, 0644); err != nil {
		return err
	}
	if err := writeKeyPEM(ca.opts.RootKeyPath, key); err != nil {
		return err
	}

	ca.cert = cert
	ca.key = key
	return nil
}

func (ca *CA) loadRoot() error {
	certPEM, err := os.ReadFile(ca.opts.RootCertPath)
	if err != nil {
		return fmt.Errorf("read root cert: %w", err)
	}
	keyPEM, err := os.ReadFile(ca.opts.RootKeyPath)
	if err != nil {
		return fmt.Errorf("read root key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return errors.New("no PEM block in root cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse root cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return errors.New("no PEM block in root key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	ca.cert = cert
	ca.key = key
	return nil
}

// randomSerial generates a cryptographically random 128-bit serial number.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// writeCertPEM encodes a DER certificate as PEM and writes it to path.
func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("encode cert pem: %w", err)
	}
	return nil
}

// writeKeyPEM encodes an RSA private key as PEM and writes it with 0600 perms.
func writeKeyPEM(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	defer f.Close()
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("encode key pem: %w", err)
	}
	return nil
}

// fileExists returns true if a file exists at the given path.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
