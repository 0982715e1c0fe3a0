package flow

import "time"

// CertificateInfo summarizes a certificate for display/export, independent
// of whether it backs the root CA or a minted leaf.
type CertificateInfo struct {
	Subject           string
	Issuer            string
	SerialNumber      string
	NotBefore         time.Time
	NotAfter          time.Time
	FingerprintSHA256 string
	IsCA              bool
	IsRootCA          bool
	PEMBytes          []byte
}
