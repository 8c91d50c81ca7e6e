// Package mtls extracts client identity from mutually-authenticated TLS
// connections so dispatch events can say who sent a request.
package mtls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"net/http"
	"time"
)

// ClientIdentity summarizes the leaf certificate a client presented.
type ClientIdentity struct {
	CommonName   string   `json:"commonName"`
	Organization []string `json:"organization,omitempty"`
	SerialNumber string   `json:"serialNumber"`
	IssuerCN     string   `json:"issuerCn,omitempty"`
	NotBefore    string   `json:"notBefore"`
	NotAfter     string   `json:"notAfter"`
	DNSNames     []string `json:"dnsNames,omitempty"`

	// Fingerprint is the lowercase hex SHA-256 of the DER certificate.
	Fingerprint string `json:"fingerprint"`

	// Verified is true when the certificate chained to a configured CA,
	// false under verify-if-given with an unverified certificate.
	Verified bool `json:"verified"`
}

// FromRequest returns the identity of the client certificate presented on
// the request's TLS connection, or nil when the client sent none.
func FromRequest(r *http.Request) *ClientIdentity {
	if r == nil || r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return Extract(r.TLS.PeerCertificates[0], len(r.TLS.VerifiedChains) > 0)
}

// Extract builds a ClientIdentity from a leaf certificate.
func Extract(cert *x509.Certificate, verified bool) *ClientIdentity {
	if cert == nil {
		return nil
	}
	return &ClientIdentity{
		CommonName:   cert.Subject.CommonName,
		Organization: append([]string(nil), cert.Subject.Organization...),
		SerialNumber: cert.SerialNumber.String(),
		IssuerCN:     cert.Issuer.CommonName,
		NotBefore:    cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:     cert.NotAfter.UTC().Format(time.RFC3339),
		DNSNames:     append([]string(nil), cert.DNSNames...),
		Fingerprint:  Fingerprint(cert),
		Verified:     verified,
	}
}

// Fingerprint returns the lowercase hex SHA-256 fingerprint of cert.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
