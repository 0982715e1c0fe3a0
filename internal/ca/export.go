package ca

import (
	"encoding/pem"
	"fmt"
)

// Format identifies an export encoding for the root certificate.
type Format string

const (
	FormatDER Format = "der"
	FormatPEM Format = "pem"
)

// ExportRoot returns the root certificate encoded per format, for the
// export_root_certificate command (§6).
func (c *CA) ExportRoot(format Format) ([]byte, error) {
	switch format {
	case FormatDER:
		return c.der, nil
	case FormatPEM:
		return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.der}), nil
	default:
		return nil, wrapErr(ErrInvalidFormat, fmt.Errorf("unknown format %q", format))
	}
}
