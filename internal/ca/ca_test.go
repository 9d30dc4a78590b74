package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// Root generation is RSA-4096 and slow, so tests generate it once and seed
// every temp dir with the same PEM material.
var (
	rootOnce    sync.Once
	rootCertPEM []byte
	rootKeyPEM  []byte
	rootGenErr  error
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		RootCertPath: filepath.Join(dir, "ca.pem"),
		RootKeyPath:  filepath.Join(dir, "ca.key"),
		CRLPath:      filepath.Join(dir, "crl.pem"),
		IndexPath:    filepath.Join(dir, "index.db"),
	}
}

func mustCA(t *testing.T) *CA {
	t.Helper()

	rootOnce.Do(func() {
		opts := testOptions(t)
		seed, err := Open(opts)
		if err != nil {
			rootGenErr = err
			return
		}
		defer seed.Close()
		if rootCertPEM, rootGenErr = os.ReadFile(opts.RootCertPath); rootGenErr != nil {
			return
		}
		rootKeyPEM, rootGenErr = os.ReadFile(opts.RootKeyPath)
	})
	if rootGenErr != nil {
		t.Fatalf("generate shared test root: %v", rootGenErr)
	}

	opts := testOptions(t)
	if err := os.WriteFile(opts.RootCertPath, rootCertPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(opts.RootKeyPath, rootKeyPEM, 0600); err != nil {
		t.Fatal(err)
	}

	ca, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { ca.Close() })
	return ca
}

func mustParseCertPEM(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block in cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

func verifyCertChain(t *testing.T, ca *CA, cert *x509.Certificate) {
	t.Helper()
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     ca.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		t.Fatalf("cert does not chain to root: %v", err)
	}
}

func TestOpen_CreatesNewRoot(t *testing.T) {
	ca := mustCA(t)

	// Root key file should exist with restricted permissions.
	info, err := os.Stat(ca.opts.RootKeyPath)
	if err != nil {
		t.Fatalf("root key not found: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("root key permissions: got %o, want 0600", perm)
	}

	// Validate root certificate properties.
	if !ca.cert.IsCA {
		t.Error("root cert should have IsCA=true")
	}
	if ca.cert.Subject.CommonName != rootCommonName {
		t.Errorf("root CN: got %q, want %q", ca.cert.Subject.CommonName, rootCommonName)
	}
	if ca.cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("root cert should have KeyUsageCertSign")
	}
	if ca.cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		t.Error("root cert should have KeyUsageCRLSign")
	}
	if ca.cert.MaxPathLen != 0 || !ca.cert.MaxPathLenZero {
		t.Error("root cert should be leaf-only (MaxPathLen=0, MaxPathLenZero=true)")
	}

	pub, ok := ca.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		t.Fatal("root public key is not RSA")
	}
	if pub.N.BitLen() != rootKeyBits {
		t.Errorf("root key size: got %d bits, want %d", pub.N.BitLen(), rootKeyBits)
	}

	// An empty CRL should have been written on open.
	if _, err := os.Stat(ca.opts.CRLPath); err != nil {
		t.Errorf("crl not written on open: %v", err)
	}
}

func TestOpen_LoadsExisting(t *testing.T) {
	ca1 := mustCA(t)

	ca2, err := Open(ca1.opts)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer ca2.Close()

	// It's the same cert loaded twice.
	if ca1.cert.SerialNumber.Cmp(ca2.cert.SerialNumber) != 0 {
		t.Error("reloaded root should have the same serial number")
	}
}

func TestOpen_RequiresAllPaths(t *testing.T) {
	opts := testOptions(t)
	opts.IndexPath = ""
	if _, err := Open(opts); err == nil {
		t.Error("Open should fail when a path is missing")
	}
}

func TestIssueClient(t *testing.T) {
	ca := mustCA(t)

	issued, err := ca.IssueClient("client-7", "acme.example", RoleSender, 365)
	if err != nil {
		t.Fatalf("IssueClient failed: %v", err)
	}

	cert := mustParseCertPEM(t, issued.CertPEM)

	if cert.Subject.CommonName != "client-7" {
		t.Errorf("CN: got %q, want %q", cert.Subject.CommonName, "client-7")
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != "acme.example" {
		t.Errorf("Organization: got %v, want [acme.example]", cert.Subject.Organization)
	}

	// Client cert: client auth only, no server auth.
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageServerAuth {
			t.Error("client cert should NOT have ExtKeyUsageServerAuth")
		}
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		t.Fatal("client public key is not RSA")
	}
	if pub.N.BitLen() != clientKeyBits {
		t.Errorf("client key size: got %d bits, want %d", pub.N.BitLen(), clientKeyBits)
	}

	// Fingerprint is the SHA-256 of the DER, lowercase hex, no separators.
	if got := Fingerprint(cert.Raw); got != issued.Fingerprint {
		t.Errorf("fingerprint mismatch: %s vs %s", got, issued.Fingerprint)
	}
	if len(issued.Fingerprint) != 64 {
		t.Errorf("fingerprint length: got %d, want 64", len(issued.Fingerprint))
	}
	if issued.SerialHex == "" {
		t.Error("serial should be non-empty")
	}

	// Key PEM should parse as RSA.
	block, _ := pem.Decode(issued.KeyPEM)
	if block == nil {
		t.Fatal("client key PEM: no PEM block")
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Fatalf("client key PEM: parse failed: %v", err)
	}

	verifyCertChain(t, ca, cert)

	// Issuance is recorded in the index.
	rec, err := ca.Issued(issued.SerialHex)
	if err != nil {
		t.Fatalf("Issued lookup failed: %v", err)
	}
	if rec.ClientID != "client-7" || rec.Role != RoleSender || rec.Fingerprint != issued.Fingerprint {
		t.Errorf("index record mismatch: %+v", rec)
	}
	if rec.RevokedAt != nil {
		t.Error("fresh cert should not be marked revoked")
	}
}

func TestIssueClient_Validation(t *testing.T) {
	ca := mustCA(t)

	if _, err := ca.IssueClient("", "acme.example", RoleSender, 365); err == nil {
		t.Error("empty client id should be rejected")
	}
	if _, err := ca.IssueClient("client-7", "acme.example", "superuser", 365); err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestSignCSR_ForcesCN(t *testing.T) {
	ca := mustCA(t)

	key, err := rsa.GenerateKey(rand.Reader, clientKeyBits)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "self-reported-name"},
	}, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	issued, err := ca.SignCSR(csrPEM, "client-assigned", "acme.example", RoleWorker, 90)
	if err != nil {
		t.Fatalf("SignCSR failed: %v", err)
	}

	cert := mustParseCertPEM(t, issued.CertPEM)

	// CN is what the CA assigned, not what the CSR requested.
	if cert.Subject.CommonName != "client-assigned" {
		t.Errorf("CN: got %q, want %q", cert.Subject.CommonName, "client-assigned")
	}
	if len(issued.KeyPEM) != 0 {
		t.Error("SignCSR must not return a private key")
	}

	verifyCertChain(t, ca, cert)
}

func TestSignCSR_InvalidCSR(t *testing.T) {
	ca := mustCA(t)

	if _, err := ca.SignCSR([]byte("not a real CSR"), "client-x", "", RoleSender, 30); err == nil {
		t.Error("SignCSR should fail on garbage input")
	}
}

func TestRevoke(t *testing.T) {
	ca := mustCA(t)

	issued, err := ca.IssueClient("client-rv", "acme.example", RoleSender, 30)
	if err != nil {
		t.Fatalf("IssueClient failed: %v", err)
	}

	revoked, err := ca.IsRevoked(issued.SerialHex)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("fresh cert reported revoked")
	}

	if err := ca.Revoke(issued.SerialHex, "key compromise"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	revoked, err = ca.IsRevoked(issued.SerialHex)
	if err != nil {
		t.Fatalf("IsRevoked after revoke: %v", err)
	}
	if !revoked {
		t.Error("cert should be revoked")
	}

	t.Run("second revocation is rejected", func(t *testing.T) {
		if err := ca.Revoke(issued.SerialHex, "again"); !errors.Is(err, ErrAlreadyRevoked) {
			t.Errorf("Revoke twice = %v, want ErrAlreadyRevoked", err)
		}
	})

	t.Run("unknown serial is rejected", func(t *testing.T) {
		if err := ca.Revoke("deadbeef", "whatever"); !errors.Is(err, ErrNotIssued) {
			t.Errorf("Revoke unknown = %v, want ErrNotIssued", err)
		}
	})

	t.Run("index entry carries revocation", func(t *testing.T) {
		rec, err := ca.Issued(issued.SerialHex)
		if err != nil {
			t.Fatalf("Issued lookup: %v", err)
		}
		if rec.RevokedAt == nil || rec.Reason != "key compromise" {
			t.Errorf("index record missing revocation: %+v", rec)
		}
	})

	t.Run("handshake hook rejects the revoked cert", func(t *testing.T) {
		leaf := mustParseCertPEM(t, issued.CertPEM)
		if err := ca.VerifyPeer([][]byte{leaf.Raw}, nil); err == nil {
			t.Error("VerifyPeer should reject a revoked cert")
		}
	})

	t.Run("crl file lists the serial", func(t *testing.T) {
		data, err := os.ReadFile(ca.opts.CRLPath)
		if err != nil {
			t.Fatalf("read crl: %v", err)
		}
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "X509 CRL" {
			t.Fatal("crl file is not X509 CRL PEM")
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			t.Fatalf("parse crl: %v", err)
		}
		if err := crl.CheckSignatureFrom(ca.cert); err != nil {
			t.Errorf("crl not signed by root: %v", err)
		}
		leaf := mustParseCertPEM(t, issued.CertPEM)
		found := false
		for _, e := range crl.RevokedCertificateEntries {
			if e.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
				found = true
			}
		}
		if !found {
			t.Error("revoked serial missing from crl")
		}
	})
}

func TestVerifyPeer_NoCertIsNoop(t *testing.T) {
	ca := mustCA(t)
	if err := ca.VerifyPeer(nil, nil); err != nil {
		t.Errorf("VerifyPeer(nil) = %v, want nil", err)
	}
}

func TestVerifyPeer_UnrevokedPasses(t *testing.T) {
	ca := mustCA(t)
	issued, err := ca.IssueClient("client-ok", "", RoleIngress, 30)
	if err != nil {
		t.Fatal(err)
	}
	leaf := mustParseCertPEM(t, issued.CertPEM)
	if err := ca.VerifyPeer([][]byte{leaf.Raw}, nil); err != nil {
		t.Errorf("VerifyPeer = %v, want nil", err)
	}
}

func TestIssueServer(t *testing.T) {
	ca := mustCA(t)

	certPEM, keyPEM, err := ca.IssueServer("courier-authority", []string{"authority.internal", "10.0.0.5"})
	if err != nil {
		t.Fatalf("IssueServer failed: %v", err)
	}

	cert := mustParseCertPEM(t, certPEM)

	if cert.Subject.CommonName != "courier-authority" {
		t.Errorf("CN: got %q", cert.Subject.CommonName)
	}

	hasServer, hasClient := false, false
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageServerAuth {
			hasServer = true
		}
		if u == x509.ExtKeyUsageClientAuth {
			hasClient = true
		}
	}
	if !hasServer || !hasClient {
		t.Errorf("server cert usages: ServerAuth=%v ClientAuth=%v, want both", hasServer, hasClient)
	}

	var foundDNS, foundLocalhost, foundIP bool
	for _, name := range cert.DNSNames {
		switch name {
		case "authority.internal":
			foundDNS = true
		case "localhost":
			foundLocalhost = true
		}
	}
	for _, ip := range cert.IPAddresses {
		if ip.String() == "10.0.0.5" {
			foundIP = true
		}
	}
	if !foundDNS || !foundLocalhost || !foundIP {
		t.Errorf("SANs incomplete: dns=%v localhost=%v ip=%v", foundDNS, foundLocalhost, foundIP)
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("keypair does not load: %v", err)
	}
}

func TestIdentityFromState(t *testing.T) {
	ca := mustCA(t)

	t.Run("no certificate", func(t *testing.T) {
		if _, err := IdentityFromState(tls.ConnectionState{}); err == nil {
			t.Error("expected error without peer certificates")
		}
	})

	t.Run("identity from leaf", func(t *testing.T) {
		issued, err := ca.IssueClient("client-id-9", "acme.example", RoleAdmin, 30)
		if err != nil {
			t.Fatal(err)
		}
		leaf := mustParseCertPEM(t, issued.CertPEM)
		id, err := IdentityFromState(tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}})
		if err != nil {
			t.Fatalf("IdentityFromState: %v", err)
		}
		if id.ClientID != "client-id-9" {
			t.Errorf("client id = %q", id.ClientID)
		}
		if id.Fingerprint != issued.Fingerprint {
			t.Errorf("fingerprint = %q, want %q", id.Fingerprint, issued.Fingerprint)
		}
		if id.SerialHex != issued.SerialHex {
			t.Errorf("serial = %q, want %q", id.SerialHex, issued.SerialHex)
		}
	})
}

func TestNormalizeFingerprint(t *testing.T) {
	ca := mustCA(t)
	issued, err := ca.IssueClient("client-fp", "", RoleSender, 30)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("canonical passes through", func(t *testing.T) {
		got, err := NormalizeFingerprint(issued.Fingerprint)
		if err != nil {
			t.Fatalf("NormalizeFingerprint: %v", err)
		}
		if got != issued.Fingerprint {
			t.Errorf("got %q, want %q", got, issued.Fingerprint)
		}
	})

	t.Run("colons and case are stripped", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < len(issued.Fingerprint); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(strings.ToUpper(issued.Fingerprint[i : i+2]))
		}
		got, err := NormalizeFingerprint(b.String())
		if err != nil {
			t.Fatalf("NormalizeFingerprint: %v", err)
		}
		if got != issued.Fingerprint {
			t.Errorf("got %q, want %q", got, issued.Fingerprint)
		}
	})

	t.Run("wrong length rejected", func(t *testing.T) {
		if _, err := NormalizeFingerprint("abcd"); err == nil {
			t.Error("short fingerprint should be rejected")
		}
	})

	t.Run("non-hex rejected", func(t *testing.T) {
		if _, err := NormalizeFingerprint(string(make([]byte, 64))); err == nil {
			t.Error("non-hex fingerprint should be rejected")
		}
	})
}

func TestListIssued(t *testing.T) {
	ca := mustCA(t)

	if _, err := ca.IssueClient("client-a", "", RoleSender, 30); err != nil {
		t.Fatal(err)
	}
	if _, err := ca.IssueClient("client-b", "", RoleWorker, 30); err != nil {
		t.Fatal(err)
	}

	list, err := ca.ListIssued()
	if err != nil {
		t.Fatalf("ListIssued: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d entries, want 2", len(list))
	}
	if list[0].IssuedAt.Before(list[1].IssuedAt) {
		t.Error("entries should be newest first")
	}
}
