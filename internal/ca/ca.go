// Package ca implements Syrah's certificate authority: a self-signed root
// used to mint short-lived leaf certificates for TLS interception, built
// from raw DER via internal/derenc rather than crypto/x509's certificate
// builder, per the project's from-scratch-ASN.1 design.
package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	rootKeyBits = 2048
	leafKeyBits = 2048

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour

	subjectOrg = "Syrah"
	subjectCN  = "Syrah Proxy CA"
)

// CA holds the root keypair and signing certificate used to mint leaf certs
// on demand for intercepted TLS connections.
type CA struct {
	mu sync.Mutex

	key  *rsa.PrivateKey
	cert *x509.Certificate // parsed form, used for SAN/validity checks by callers
	der  []byte            // raw DER of the root certificate, re-used verbatim when minting leaves

	serialMu sync.Mutex
	lastSerial *big.Int
}

// LoadOrCreate loads a root CA from keyPath/certPath if both exist and are
// valid, otherwise mints a fresh one and persists it with secure
// permissions. Mirrors the teacher's load-or-create bootstrap shape.
func LoadOrCreate(keyPath, certPath string) (*CA, error) {
	if fileExists(keyPath) && fileExists(certPath) {
		c, err := load(keyPath, certPath)
		if err == nil {
			return c, nil
		}
		// Fall through to regeneration on any corruption, matching the
		// teacher's tolerance for a damaged on-disk CA.
	}
	return create(keyPath, certPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func load(keyPath, certPath string) (*CA, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca: %s is not valid PEM", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root key: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: %s is not valid PEM", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root certificate: %w", err)
	}
	return &CA{key: key, cert: cert, der: certBlock.Bytes, lastSerial: cert.SerialNumber}, nil
}

func create(keyPath, certPath string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, wrapErr(ErrKeyGenFailed, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, wrapErr(ErrKeyGenFailed, err)
	}

	now := time.Now()
	subject := name{Country: "US", Organization: subjectOrg, CommonName: subjectCN}
	tbs := buildTBSCertificate(tbsTemplate{
		Serial:    serial,
		Issuer:    subject,
		Subject:   subject,
		NotBefore: now.Add(-5 * time.Minute),
		NotAfter:  now.Add(rootValidity),
		PublicKey: &key.PublicKey,
		Extensions: [][]byte{
			basicConstraintsExtension(true),
			keyUsageExtension(keyUsageCertSign, keyUsageCRLSign),
		},
	})

	der, err := buildCertificate(tbs, rsaSigner(key))
	if err != nil {
		return nil, wrapErr(ErrSigningFailed, err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: generated root certificate failed to parse: %w", err)
	}

	c := &CA{key: key, cert: cert, der: der, lastSerial: serial}

	if keyPath != "" && certPath != "" {
		if err := c.persist(keyPath, certPath); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *CA) persist(keyPath, certPath string) error {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(c.key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.der})
	return os.WriteFile(certPath, certPEM, 0o644)
}

// bit positions within the keyUsage BIT STRING, per RFC 5280 §4.2.1.3.
const (
	keyUsageDigitalSignature = 0
	keyUsageKeyEncipherment  = 2
	keyUsageCertSign         = 5
	keyUsageCRLSign          = 6
)

// MintLeaf generates a fresh RSA keypair and signs a server certificate for
// host, valid for leafValidity from now. host may be a DNS name or an IP
// literal. sans lists additional subject alternative names to include
// alongside host (aliases requested by the caller); duplicates of host are
// harmless but not deduplicated, matching how callers typically pass it.
func (c *CA) MintLeaf(host string, sans ...string) (certDER []byte, key *rsa.PrivateKey, err error) {
	key, err = rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, wrapErr(ErrKeyGenFailed, err)
	}

	serial, err := c.nextSerial()
	if err != nil {
		return nil, nil, wrapErr(ErrKeyGenFailed, err)
	}

	now := time.Now()
	c.mu.Lock()
	issuer := name{Country: "US", Organization: subjectOrg, CommonName: subjectCN}
	signer := rsaSigner(c.key)
	c.mu.Unlock()

	tbs := buildTBSCertificate(tbsTemplate{
		Serial:    serial,
		Issuer:    issuer,
		Subject:   name{Organization: subjectOrg, CommonName: host},
		NotBefore: now.Add(-5 * time.Minute),
		NotAfter:  now.Add(leafValidity),
		PublicKey: &key.PublicKey,
		Extensions: [][]byte{
			basicConstraintsExtension(false),
			keyUsageExtension(keyUsageDigitalSignature, keyUsageKeyEncipherment),
			extKeyUsageExtension(oidServerAuth),
			subjectAltNameExtension(append([]string{host}, sans...)...),
		},
	})

	der, err := buildCertificate(tbs, signer)
	if err != nil {
		return nil, nil, wrapErr(ErrSigningFailed, err)
	}
	return der, key, nil
}

// RootDER returns the raw DER bytes of the root certificate, for export and
// for installing in the trust store of clients that talk through the proxy.
func (c *CA) RootDER() []byte {
	return c.der
}

// RootFingerprint returns the uppercase, colon-separated SHA-256 fingerprint
// of the root certificate, the form operators paste into a browser's trust
// dialog to verify they installed the right CA.
func (c *CA) RootFingerprint() string {
	return fingerprint(c.der)
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hex[b>>4], hex[b&0x0f])
	}
	return string(out)
}

func rsaSigner(key *rsa.PrivateKey) signFunc {
	return func(tbs []byte) ([]byte, error) {
		digest := sha256.Sum256(tbs)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	}
}

// randomSerial draws a random 63-bit positive serial, per §4.B. big.Int
// has no sign bit to clear: rand.Int already returns a non-negative value
// strictly below max, so [0, 2^63) is the full positive 63-bit range.
func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 63)
	return rand.Int(rand.Reader, max)
}

// nextSerial guards against two concurrently minted leaves colliding on the
// same random draw within a single process; a fresh random draw is retried
// against the last one issued.
func (c *CA) nextSerial() (*big.Int, error) {
	c.serialMu.Lock()
	defer c.serialMu.Unlock()
	for i := 0; i < 5; i++ {
		s, err := randomSerial()
		if err != nil {
			return nil, err
		}
		if c.lastSerial == nil || s.Cmp(c.lastSerial) != 0 {
			c.lastSerial = s
			return s, nil
		}
	}
	return nil, fmt.Errorf("ca: failed to draw a unique serial")
}
