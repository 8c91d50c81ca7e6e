package engine

import (
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/config"
	tlstaptls "github.com/gettlstap/tlstap/pkg/tls"
)

func TestBuildIncomingConfig(t *testing.T) {
	t.Run("self-signed when no certificate configured", func(t *testing.T) {
		tm := NewTLSManager(config.DefaultServerConfiguration())

		cfg, err := tm.BuildIncomingConfig()
		require.NoError(t, err)

		require.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
	})

	t.Run("loads certificate from files", func(t *testing.T) {
		dir := t.TempDir()
		certPath := filepath.Join(dir, "cert.pem")
		keyPath := filepath.Join(dir, "key.pem")
		_, err := tlstaptls.GenerateAndSave(tlstaptls.DefaultCertificateConfig(), certPath, keyPath)
		require.NoError(t, err)

		srvCfg := config.DefaultServerConfiguration()
		srvCfg.TLS = &config.TLSConfig{CertFile: certPath, KeyFile: keyPath}

		cfg, err := NewTLSManager(srvCfg).BuildIncomingConfig()
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
	})

	t.Run("missing certificate file errors", func(t *testing.T) {
		srvCfg := config.DefaultServerConfiguration()
		srvCfg.TLS = &config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}

		_, err := NewTLSManager(srvCfg).BuildIncomingConfig()
		assert.Error(t, err)
	})
}

func TestBuildIncomingConfigMTLS(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")
	_, err := tlstaptls.GenerateAndSave(tlstaptls.DefaultCertificateConfig(), caPath, keyPath)
	require.NoError(t, err)

	t.Run("require-and-verify with CA pool", func(t *testing.T) {
		srvCfg := config.DefaultServerConfiguration()
		srvCfg.MTLS = &config.MTLSConfig{
			Enabled:    true,
			ClientAuth: "require-and-verify",
			CACertFile: caPath,
		}

		cfg, err := NewTLSManager(srvCfg).BuildIncomingConfig()
		require.NoError(t, err)
		assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
		assert.NotNil(t, cfg.ClientCAs)
	})

	t.Run("allowed CNs install a peer verifier", func(t *testing.T) {
		srvCfg := config.DefaultServerConfiguration()
		srvCfg.MTLS = &config.MTLSConfig{
			Enabled:    true,
			ClientAuth: "verify-if-given",
			CACertFile: caPath,
			AllowedCNs: []string{"trusted-client"},
		}

		cfg, err := NewTLSManager(srvCfg).BuildIncomingConfig()
		require.NoError(t, err)
		assert.NotNil(t, cfg.VerifyPeerCertificate)
	})

	t.Run("invalid clientAuth mode errors", func(t *testing.T) {
		srvCfg := config.DefaultServerConfiguration()
		srvCfg.MTLS = &config.MTLSConfig{Enabled: true, ClientAuth: "bogus"}

		_, err := NewTLSManager(srvCfg).BuildIncomingConfig()
		assert.Error(t, err)
	})
}

func TestBuildUpstreamConfig(t *testing.T) {
	t.Run("verification off by default", func(t *testing.T) {
		tm := NewTLSManager(config.DefaultServerConfiguration())

		cfg, err := tm.BuildUpstreamConfig()
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("CA file forces verification", func(t *testing.T) {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		keyPath := filepath.Join(dir, "ca-key.pem")
		_, err := tlstaptls.GenerateAndSave(tlstaptls.DefaultCertificateConfig(), caPath, keyPath)
		require.NoError(t, err)

		srvCfg := config.DefaultServerConfiguration()
		srvCfg.Upstream = &config.UpstreamConfig{CAFile: caPath}

		cfg, err := NewTLSManager(srvCfg).BuildUpstreamConfig()
		require.NoError(t, err)
		assert.False(t, cfg.InsecureSkipVerify)
		assert.NotNil(t, cfg.RootCAs)
	})

	t.Run("explicit verification", func(t *testing.T) {
		verify := false
		srvCfg := config.DefaultServerConfiguration()
		srvCfg.Upstream = &config.UpstreamConfig{InsecureSkipVerify: &verify}

		cfg, err := NewTLSManager(srvCfg).BuildUpstreamConfig()
		require.NoError(t, err)
		assert.False(t, cfg.InsecureSkipVerify)
	})
}
