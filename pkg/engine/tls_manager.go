package engine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/gettlstap/tlstap/pkg/config"
	tlstaptls "github.com/gettlstap/tlstap/pkg/tls"
)

// TLSManager builds the base tls.Config for both legs: the server-side
// config the incoming termination layer clones per connection, and the
// client-side config the upstream manager clones per dial.
type TLSManager struct {
	cfg         *config.TLSConfig
	mtlsCfg     *config.MTLSConfig
	upstreamCfg *config.UpstreamConfig
}

// NewTLSManager creates a TLSManager from server configuration.
func NewTLSManager(cfg *config.ServerConfiguration) *TLSManager {
	return &TLSManager{
		cfg:         cfg.TLS,
		mtlsCfg:     cfg.MTLS,
		upstreamCfg: cfg.Upstream,
	}
}

// BuildIncomingConfig builds the base server-side TLS configuration.
// With no certificate configuration a self-signed certificate is
// generated, since the engine cannot terminate without one.
func (tm *TLSManager) BuildIncomingConfig() (*tls.Config, error) {
	var tlsCert tls.Certificate
	var err error

	switch {
	case tm.cfg != nil && tm.cfg.CertFile != "" && tm.cfg.KeyFile != "":
		tlsCert, err = tls.LoadX509KeyPair(tm.cfg.CertFile, tm.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	default:
		genCert, genErr := tlstaptls.GenerateSelfSignedCert(tlstaptls.DefaultCertificateConfig())
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", genErr)
		}
		tlsCert, err = tlstaptls.CreateTLSCertificate(genCert.CertPEM, genCert.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS certificate: %w", err)
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}

	if tm.mtlsCfg != nil && tm.mtlsCfg.Enabled {
		if err := tm.configureMTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("mTLS configuration failed: %w", err)
		}
	}

	return tlsConfig, nil
}

// BuildUpstreamConfig builds the base client-side TLS configuration for
// passthrough dials. Verification defaults to off: an intercepting proxy
// accepts any upstream certificate unless configured otherwise.
func (tm *TLSManager) BuildUpstreamConfig() (*tls.Config, error) {
	//nolint:gosec // G402: proxy intentionally accepts any upstream cert by default
	tlsConfig := &tls.Config{
		InsecureSkipVerify: tm.upstreamCfg.SkipVerify(),
		MinVersion:         tls.VersionTLS12,
	}

	if tm.upstreamCfg != nil && tm.upstreamCfg.CAFile != "" {
		caCert, err := os.ReadFile(tm.upstreamCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream CA file %s: %w", tm.upstreamCfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse upstream CA from %s", tm.upstreamCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
		tlsConfig.InsecureSkipVerify = false
	}

	return tlsConfig, nil
}

// configureMTLS configures mutual TLS client certificate authentication
// on the incoming base config.
func (tm *TLSManager) configureMTLS(tlsConfig *tls.Config) error {
	mtlsCfg := tm.mtlsCfg

	switch mtlsCfg.ClientAuth {
	case "none", "":
		tlsConfig.ClientAuth = tls.NoClientCert
	case "request":
		tlsConfig.ClientAuth = tls.RequestClientCert
	case "require":
		tlsConfig.ClientAuth = tls.RequireAnyClientCert
	case "verify-if-given":
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	case "require-and-verify":
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return fmt.Errorf("invalid clientAuth mode: %s", mtlsCfg.ClientAuth)
	}

	certPool := x509.NewCertPool()
	certsLoaded := false

	caFiles := mtlsCfg.CACertFiles
	if mtlsCfg.CACertFile != "" {
		caFiles = append([]string{mtlsCfg.CACertFile}, caFiles...)
	}
	for _, caFile := range caFiles {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate file %s: %w", caFile, err)
		}
		if !certPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to parse CA certificate from %s", caFile)
		}
		certsLoaded = true
	}

	if certsLoaded {
		tlsConfig.ClientCAs = certPool
	}

	if len(mtlsCfg.AllowedCNs) > 0 || len(mtlsCfg.AllowedOUs) > 0 {
		allowedCNs := make(map[string]struct{})
		for _, cn := range mtlsCfg.AllowedCNs {
			allowedCNs[cn] = struct{}{}
		}
		allowedOUs := make(map[string]struct{})
		for _, ou := range mtlsCfg.AllowedOUs {
			allowedOUs[ou] = struct{}{}
		}

		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			// No verified chains yet: standard verification handles it
			if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
				return nil
			}

			clientCert := verifiedChains[0][0]

			if len(allowedCNs) > 0 {
				if _, ok := allowedCNs[clientCert.Subject.CommonName]; !ok {
					return fmt.Errorf("client certificate CN %q not in allowed list", clientCert.Subject.CommonName)
				}
			}

			if len(allowedOUs) > 0 {
				found := false
				for _, ou := range clientCert.Subject.OrganizationalUnit {
					if _, ok := allowedOUs[ou]; ok {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("client certificate OUs %v not in allowed list", clientCert.Subject.OrganizationalUnit)
				}
			}

			return nil
		}
	}

	return nil
}
