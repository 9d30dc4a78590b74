package ca

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIssued  = []byte("issued")
	bucketRevoked = []byte("revoked")
)

var (
	// ErrNotIssued is returned when a serial is unknown to this CA.
	ErrNotIssued = errors.New("certificate serial not issued by this ca")
	// ErrAlreadyRevoked is returned when a serial is revoked twice.
	ErrAlreadyRevoked = errors.New("certificate already revoked")
)

// issuedRecord is the bookkeeping row kept per signed certificate.
type issuedRecord struct {
	Serial      string    `json:"serial"`
	ClientID    string    `json:"client_id"`
	Domain      string    `json:"domain,omitempty"`
	Role        string    `json:"role"`
	Fingerprint string    `json:"fingerprint"`
	IssuedAt    time.Time `json:"issued_at"`
	NotAfter    time.Time `json:"not_after"`
}

// revokedRecord marks a serial as revoked.
type revokedRecord struct {
	Serial    string    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// IssuedCert is the external view of an index entry.
type IssuedCert struct {
	Serial      string     `json:"serial"`
	ClientID    string     `json:"client_id"`
	Domain      string     `json:"domain,omitempty"`
	Role        string     `json:"role"`
	Fingerprint string     `json:"fingerprint"`
	IssuedAt    time.Time  `json:"issued_at"`
	NotAfter    time.Time  `json:"not_after"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	Reason      string     `json:"revocation_reason,omitempty"`
}

// index wraps the BoltDB database holding issued and revoked serials.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIssued, bucketRevoked} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &index{db: db}, nil
}

func (i *index) close() error {
	return i.db.Close()
}

func (i *index) putIssued(rec issuedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal issued record: %w", err)
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIssued).Put([]byte(rec.Serial), data)
	})
}

// Revoke records a serial in the revocation bucket and rewrites the PEM
// CRL. Unknown serials return ErrNotIssued; a second revocation returns
// ErrAlreadyRevoked. Connections presenting the serial are rejected from
// the next handshake on.
func (ca *CA) Revoke(serialHex, reason string) error {
	err := ca.index.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketIssued).Get([]byte(serialHex)) == nil {
			return ErrNotIssued
		}
		revoked := tx.Bucket(bucketRevoked)
		if revoked.Get([]byte(serialHex)) != nil {
			return ErrAlreadyRevoked
		}
		data, err := json.Marshal(revokedRecord{
			Serial:    serialHex,
			RevokedAt: time.Now().UTC(),
			Reason:    reason,
		})
		if err != nil {
			return fmt.Errorf("marshal revoked record: %w", err)
		}
		return revoked.Put([]byte(serialHex), data)
	})
	if err != nil {
		return err
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.rebuildCRL()
}

// IsRevoked reports whether a serial appears in the revocation bucket.
func (ca *CA) IsRevoked(serialHex string) (bool, error) {
	var revoked bool
	err := ca.index.db.View(func(tx *bolt.Tx) error {
		revoked = tx.Bucket(bucketRevoked).Get([]byte(serialHex)) != nil
		return nil
	})
	return revoked, err
}

// Issued returns the index entry for a serial, or ErrNotIssued.
func (ca *CA) Issued(serialHex string) (*IssuedCert, error) {
	var out *IssuedCert
	err := ca.index.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIssued).Get([]byte(serialHex))
		if data == nil {
			return ErrNotIssued
		}
		rec, err := decodeIssued(data, tx)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// ListIssued returns every index entry, newest first.
func (ca *CA) ListIssued() ([]IssuedCert, error) {
	var out []IssuedCert
	err := ca.index.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIssued).ForEach(func(_, v []byte) error {
			rec, err := decodeIssued(v, tx)
			if err != nil {
				return err
			}
			out = append(out, *rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].IssuedAt.After(out[b].IssuedAt)
	})
	return out, nil
}

func decodeIssued(data []byte, tx *bolt.Tx) (*IssuedCert, error) {
	var rec issuedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal issued record: %w", err)
	}
	out := &IssuedCert{
		Serial:      rec.Serial,
		ClientID:    rec.ClientID,
		Domain:      rec.Domain,
		Role:        rec.Role,
		Fingerprint: rec.Fingerprint,
		IssuedAt:    rec.IssuedAt,
		NotAfter:    rec.NotAfter,
	}
	if data := tx.Bucket(bucketRevoked).Get([]byte(rec.Serial)); data != nil {
		var rr revokedRecord
		if err := json.Unmarshal(data, &rr); err != nil {
			return nil, fmt.Errorf("unmarshal revoked record: %w", err)
		}
		out.RevokedAt = &rr.RevokedAt
		out.Reason = rr.Reason
	}
	return out, nil
}

// rebuildCRL rewrites the PEM CRL file from the revocation bucket.
// The file exists for external consumers (load balancers, audits); the
// in-process revocation check reads the bucket directly. Callers hold
// ca.mu.
func (ca *CA) rebuildCRL() error {
	var entries []x509.RevocationListEntry
	err := ca.index.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevoked).ForEach(func(k, v []byte) error {
			var rr revokedRecord
			if err := json.Unmarshal(v, &rr); err != nil {
				return fmt.Errorf("unmarshal revoked record: %w", err)
			}
			serial, ok := new(big.Int).SetString(string(k), 16)
			if !ok {
				return fmt.Errorf("bad serial %q in revocation bucket", k)
			}
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   serial,
				RevocationTime: rr.RevokedAt,
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	crlNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return fmt.Errorf("generate crl number: %w", err)
	}

	now := time.Now()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    crlNumber,
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
	}, ca.cert, ca.key)
	if err != nil {
		return fmt.Errorf("create revocation list: %w", err)
	}

	f, err := os.OpenFile(ca.opts.CRLPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write crl %s: %w", ca.opts.CRLPath, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "X509 CRL", Bytes: der}); err != nil {
		return fmt.Errorf("encode crl pem: %w", err)
	}
	return nil
}
