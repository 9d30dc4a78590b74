package ca

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// VerifyPeer is the tls.Config.VerifyPeerCertificate hook for courier
// listeners. It runs after standard chain validation and checks the leaf
// serial against the revocation bucket. An unreadable index rejects the
// connection: revocation checks fail closed.
//
// When rawCerts is empty (portal requests without a client cert), this is
// a no-op; route-level auth decides what such requests may reach.
func (ca *CA) VerifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return nil
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse client cert: %w", err)
	}

	serial := fmt.Sprintf("%x", leaf.SerialNumber)
	revoked, err := ca.IsRevoked(serial)
	if err != nil {
		return errors.New("revocation check unavailable")
	}
	if revoked {
		return fmt.Errorf("certificate %s has been revoked", serial)
	}
	return nil
}

// ServerTLSConfig builds the listener TLS configuration: TLS 1.3 minimum,
// client certificates verified against the root, revocations enforced by
// VerifyPeer. clientAuth is VerifyClientCertIfGiven on the authority
// (portal routes carry no cert) and RequireAndVerifyClientCert on the
// ingress.
func (ca *CA) ServerTLSConfig(cert tls.Certificate, clientAuth tls.ClientAuthType) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientCAs:             ca.CertPool(),
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            clientAuth,
		VerifyPeerCertificate: ca.VerifyPeer,
	}
}

// PeerIdentity is what a verified client certificate asserts about the
// connection: the client ID from the CN and the certificate fingerprint.
// Role and status come from the authority's store, never from the cert.
type PeerIdentity struct {
	ClientID    string
	Fingerprint string
	SerialHex   string
}

// IdentityFromState extracts the peer identity from a completed TLS
// handshake. Returns an error when no client certificate was presented or
// its CN is empty.
func IdentityFromState(state tls.ConnectionState) (*PeerIdentity, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no client certificate presented")
	}
	leaf := state.PeerCertificates[0]
	if leaf.Subject.CommonName == "" {
		return nil, errors.New("client certificate CN is empty")
	}
	return &PeerIdentity{
		ClientID:    leaf.Subject.CommonName,
		Fingerprint: Fingerprint(leaf.Raw),
		SerialHex:   fmt.Sprintf("%x", leaf.SerialNumber),
	}, nil
}

// LoadCertPool reads a CA certificate PEM file into a pool. Used by the
// ingress and workers, which trust the root but hold no CA key material.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// ClientTLSConfig builds the mTLS dialer configuration for a courier
// service calling the authority: the service keypair plus the shared root.
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	pool, err := LoadCertPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
