package ca

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	c, err := create("", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestCreateRootParsesAsX509(t *testing.T) {
	c := newTestCA(t)
	cert, err := x509.ParseCertificate(c.RootDER())
	if err != nil {
		t.Fatalf("root certificate does not parse as X.509: %v", err)
	}
	if !cert.IsCA {
		t.Error("root certificate must be a CA")
	}
	if cert.Subject.CommonName != subjectCN {
		t.Errorf("CN = %q, want %q", cert.Subject.CommonName, subjectCN)
	}
	wantUsage := x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	if cert.KeyUsage != wantUsage {
		t.Errorf("keyUsage = %v, want %v", cert.KeyUsage, wantUsage)
	}
	if got := cert.NotAfter.Sub(cert.NotBefore); got < 9*365*24*time.Hour {
		t.Errorf("validity period too short: %v", got)
	}
}

func TestMintLeafParsesAndVerifiesAgainstRoot(t *testing.T) {
	c := newTestCA(t)
	der, key, err := c.MintLeaf("example.com")
	if err != nil {
		t.Fatalf("MintLeaf: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("leaf certificate does not parse: %v", err)
	}
	if leaf.IsCA {
		t.Error("leaf certificate must not be a CA")
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "example.com" {
		t.Errorf("DNSNames = %v, want [example.com]", leaf.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:   "example.com",
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("leaf failed to verify against root: %v", err)
	}
	if key.N.BitLen() != leafKeyBits {
		t.Errorf("leaf key size = %d, want %d", key.N.BitLen(), leafKeyBits)
	}
	if leaf.SerialNumber.Sign() <= 0 || leaf.SerialNumber.BitLen() > 63 {
		t.Errorf("serial = %v, want a positive value under 2^63", leaf.SerialNumber)
	}
}

func TestMintLeafIncludesRequestedSANs(t *testing.T) {
	c := newTestCA(t)
	der, _, err := c.MintLeaf("example.com", "alt1.example.com", "alt2.example.com")
	if err != nil {
		t.Fatalf("MintLeaf: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("leaf certificate does not parse: %v", err)
	}
	want := []string{"example.com", "alt1.example.com", "alt2.example.com"}
	if len(leaf.DNSNames) != len(want) {
		t.Fatalf("DNSNames = %v, want %v", leaf.DNSNames, want)
	}
	for i, name := range want {
		if leaf.DNSNames[i] != name {
			t.Errorf("DNSNames[%d] = %q, want %q", i, leaf.DNSNames[i], name)
		}
	}
}

func TestMintLeafIssuesUniqueSerials(t *testing.T) {
	c := newTestCA(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		der, _, err := c.MintLeaf("host.example")
		if err != nil {
			t.Fatalf("MintLeaf[%d]: %v", i, err)
		}
		leaf, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatalf("parse[%d]: %v", i, err)
		}
		s := leaf.SerialNumber.String()
		if seen[s] {
			t.Fatalf("duplicate serial %s", s)
		}
		seen[s] = true
	}
}

func TestExportRootFormats(t *testing.T) {
	c := newTestCA(t)

	der, err := c.ExportRoot(FormatDER)
	if err != nil {
		t.Fatalf("ExportRoot(der): %v", err)
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		t.Errorf("exported DER does not parse: %v", err)
	}

	pemBytes, err := c.ExportRoot(FormatPEM)
	if err != nil {
		t.Fatalf("ExportRoot(pem): %v", err)
	}
	if len(pemBytes) == 0 {
		t.Error("exported PEM is empty")
	}

	if _, err := c.ExportRoot(Format("bogus")); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestRootFingerprintFormat(t *testing.T) {
	c := newTestCA(t)
	fp := c.RootFingerprint()
	// 32 bytes -> 64 hex chars + 31 colons.
	if len(fp) != 95 {
		t.Errorf("fingerprint length = %d, want 95", len(fp))
	}
}

func TestCacheGetReturnsConsistentCertForSameHost(t *testing.T) {
	c := newTestCA(t)
	cache := NewCache(c, 10, time.Hour)

	cert1, err := cache.Get("a.example")
	if err != nil {
		t.Fatal(err)
	}
	cert2, err := cache.Get("a.example")
	if err != nil {
		t.Fatal(err)
	}
	if cert1 != cert2 {
		t.Error("expected cache hit to return the identical *tls.Certificate")
	}
	if cache.Len() != 1 {
		t.Errorf("cache len = %d, want 1", cache.Len())
	}
}

func TestCacheGetWithSANsMintsLeafCarryingAliases(t *testing.T) {
	c := newTestCA(t)
	cache := NewCache(c, 10, time.Hour)

	tlsCert, err := cache.GetWithSANs("b.example", "alias.b.example")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatalf("leaf certificate does not parse: %v", err)
	}
	want := []string{"b.example", "alias.b.example"}
	if len(leaf.DNSNames) != len(want) {
		t.Fatalf("DNSNames = %v, want %v", leaf.DNSNames, want)
	}
	for i, name := range want {
		if leaf.DNSNames[i] != name {
			t.Errorf("DNSNames[%d] = %q, want %q", i, leaf.DNSNames[i], name)
		}
	}
}

func TestCacheEvictsOldestQuarterWhenFull(t *testing.T) {
	c := newTestCA(t)
	cache := NewCache(c, 4, time.Hour)

	hosts := []string{"a", "b", "c", "d"}
	for _, h := range hosts {
		if _, err := cache.Get(h); err != nil {
			t.Fatal(err)
		}
	}
	if cache.Len() != 4 {
		t.Fatalf("cache len = %d, want 4", cache.Len())
	}

	if _, err := cache.Get("e"); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 4 {
		t.Errorf("cache len after eviction = %d, want 4 (evict then insert)", cache.Len())
	}
	if _, ok := cache.entries["a"]; ok {
		t.Error("expected least-recently-used entry 'a' to be evicted")
	}
}

func TestCacheSweepRemovesExpiredEntries(t *testing.T) {
	c := newTestCA(t)
	cache := NewCache(c, 10, time.Millisecond)

	if _, err := cache.Get("expiring.example"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	removed := cache.Sweep()
	if removed != 1 {
		t.Errorf("Sweep removed %d entries, want 1", removed)
	}
	if cache.Len() != 0 {
		t.Errorf("cache len after sweep = %d, want 0", cache.Len())
	}
}

func TestGetCertificateFallsBackWhenNoSNI(t *testing.T) {
	c := newTestCA(t)
	cache := NewCache(c, 10, time.Hour)

	cert, err := cache.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Error("expected a certificate even without SNI")
	}
}
