package ca

import (
	"crypto/rsa"
	"math/big"
	"time"

	"github.com/syrahproxy/syrah/internal/derenc"
)

// OIDs used by the certificates Syrah mints. Named the way RFC 5280 names
// them; kept local to this package since derenc has no OID registry of its
// own (it only knows how to encode whatever components it's given).
var (
	oidRSAEncryption           = []int{1, 2, 840, 113549, 1, 1, 1}
	oidSHA256WithRSAEncryption = []int{1, 2, 840, 113549, 1, 1, 11}
	oidCommonName              = []int{2, 5, 4, 3}
	oidOrganizationName        = []int{2, 5, 4, 10}
	oidCountryName             = []int{2, 5, 4, 6}
	oidBasicConstraints        = []int{2, 5, 29, 19}
	oidKeyUsage                = []int{2, 5, 29, 15}
	oidExtKeyUsage             = []int{2, 5, 29, 37}
	oidSubjectAltName          = []int{2, 5, 29, 17}
	oidServerAuth              = []int{1, 3, 6, 1, 5, 5, 7, 3, 1}
)

// name holds the subject/issuer fields Syrah certificates use. Encoded as an
// X.501 RDNSequence with one attribute per RDN.
type name struct {
	Country      string
	Organization string
	CommonName   string
}

func encodeName(n name) []byte {
	var rdns [][]byte
	add := func(oid []int, value string) {
		if value == "" {
			return
		}
		attr := derenc.EncodeSequence(
			derenc.EncodeOID(oid...),
			derenc.EncodeUTF8String(value),
		)
		rdns = append(rdns, derenc.EncodeSet(attr))
	}
	add(oidCountryName, n.Country)
	add(oidOrganizationName, n.Organization)
	add(oidCommonName, n.CommonName)
	return derenc.EncodeSequence(rdns...)
}

// encodeSubjectPublicKeyInfo encodes a SubjectPublicKeyInfo for an RSA key.
func encodeSubjectPublicKeyInfo(pub *rsa.PublicKey) []byte {
	rsaPub := derenc.EncodeSequence(
		derenc.EncodeInteger(pub.N),
		derenc.EncodeIntegerInt64(int64(pub.E)),
	)
	algorithm := derenc.EncodeSequence(
		derenc.EncodeOID(oidRSAEncryption...),
		derenc.EncodeNull(),
	)
	return derenc.EncodeSequence(
		algorithm,
		derenc.EncodeBitString(rsaPub, 0),
	)
}

func signatureAlgorithmIdentifier() []byte {
	return derenc.EncodeSequence(
		derenc.EncodeOID(oidSHA256WithRSAEncryption...),
		derenc.EncodeNull(),
	)
}

// bitsToBitString packs a set of 0-indexed bit positions (bit 0 = MSB of the
// first content byte, per X.690 BIT STRING numbering) into the minimal byte
// slice plus its DER unused-bits count.
func bitsToBitString(positions ...int) ([]byte, int) {
	maxPos := 0
	for _, p := range positions {
		if p > maxPos {
			maxPos = p
		}
	}
	nBytes := maxPos/8 + 1
	buf := make([]byte, nBytes)
	for _, p := range positions {
		buf[p/8] |= 0x80 >> uint(p%8)
	}
	unused := 7 - maxPos%8
	return buf, unused
}

// extension builds an X.509 Extension SEQUENCE.
func extension(oid []int, critical bool, value []byte) []byte {
	parts := [][]byte{derenc.EncodeOID(oid...)}
	if critical {
		parts = append(parts, derenc.EncodeBoolean(true))
	}
	parts = append(parts, derenc.EncodeOctetString(value))
	return derenc.EncodeSequence(parts...)
}

func basicConstraintsExtension(isCA bool) []byte {
	var value []byte
	if isCA {
		value = derenc.EncodeSequence(derenc.EncodeBoolean(true))
	} else {
		value = derenc.EncodeSequence()
	}
	return extension(oidBasicConstraints, true, value)
}

func keyUsageExtension(positions ...int) []byte {
	bits, unused := bitsToBitString(positions...)
	return extension(oidKeyUsage, true, derenc.EncodeBitString(bits, unused))
}

func extKeyUsageExtension(oids ...[]int) []byte {
	var children [][]byte
	for _, oid := range oids {
		children = append(children, derenc.EncodeOID(oid...))
	}
	return extension(oidExtKeyUsage, false, derenc.EncodeSequence(children...))
}

func subjectAltNameExtension(dnsNames ...string) []byte {
	var children [][]byte
	for _, dns := range dnsNames {
		children = append(children, derenc.EncodeContextSpecific(2, false, []byte(dns)))
	}
	return extension(oidSubjectAltName, false, derenc.EncodeSequence(children...))
}

// tbsTemplate describes everything needed to build a TBSCertificate.
type tbsTemplate struct {
	Serial     *big.Int
	Issuer     name
	Subject    name
	NotBefore  time.Time
	NotAfter   time.Time
	PublicKey  *rsa.PublicKey
	Extensions [][]byte
}

func buildTBSCertificate(t tbsTemplate) []byte {
	version := derenc.EncodeContextSpecific(0, true, derenc.EncodeIntegerInt64(2)) // v3
	validity := derenc.EncodeSequence(
		derenc.EncodeUTCTime(t.NotBefore),
		derenc.EncodeUTCTime(t.NotAfter),
	)
	extensions := derenc.EncodeContextSpecific(3, true, derenc.EncodeSequence(t.Extensions...))

	return derenc.EncodeSequence(
		version,
		derenc.EncodeInteger(t.Serial),
		signatureAlgorithmIdentifier(),
		encodeName(t.Issuer),
		validity,
		encodeName(t.Subject),
		encodeSubjectPublicKeyInfo(t.PublicKey),
		extensions,
	)
}

// buildCertificate signs tbs with key and wraps the result in the outer
// Certificate SEQUENCE that crypto/x509.ParseCertificate expects.
func buildCertificate(tbs []byte, signer signFunc) ([]byte, error) {
	sig, err := signer(tbs)
	if err != nil {
		return nil, err
	}
	return derenc.EncodeSequence(
		derenc.Raw(tbs),
		signatureAlgorithmIdentifier(),
		derenc.EncodeBitString(sig, 0),
	), nil
}

type signFunc func(tbs []byte) ([]byte, error)
