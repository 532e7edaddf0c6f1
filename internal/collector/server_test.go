// internal/collector/server_test.go
package collector_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/vigil/internal/agent"
	"github.com/signalnine/vigil/internal/collector"
	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/protocol"
)

func startCollector(t *testing.T, cfg *config.CollectorConfig) string {
	t.Helper()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	srv, err := collector.NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, err := srv.RunAndGetAddr(ctx)
	require.NoError(t, err)
	return addr
}

// TestAgentToCollector drives a real sender against a real collector over TLS
func TestAgentToCollector(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir)
	dbPath := filepath.Join(dir, "vigil.db")

	addr := startCollector(t, &config.CollectorConfig{
		ListenAddr: "127.0.0.1:0",
		DB:         config.DBConfig{Driver: "sqlite", Path: dbPath},
		TLSCert:    certFile,
		TLSKey:     keyFile,
		APIKeys: []config.APIKey{
			{Key: "demo-key", Secret: "super-secret", AllowedIPs: []string{"127.0.0.1", "::1"}},
		},
	})

	agentCfg := &config.AgentConfig{
		CollectorURL:  "https://" + addr + collector.IngestPath,
		Project:       "shop",
		Environment:   "test",
		APIKey:        "demo-key",
		APISecret:     "super-secret",
		TLSSkipVerify: true,
		Features:      config.Features{AnomalyDetection: true},
	}
	agentCfg.ApplyDefaults()
	a := agent.New(agentCfg, nil)

	for i := 0; i < 11; i++ {
		a.Track(protocol.Event{
			Type:     "exception",
			Category: "app",
			Metrics:  map[string]float64{"duration_ms": 12.5},
			Data:     map[string]any{"message": "boom", "count": 3, "ratio": 0.25},
		})
	}

	res, err := a.Sender().Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, agent.OutcomeDelivered, res.Outcome, "status %d", res.StatusCode)
	assert.Equal(t, 1, res.Attempts)

	db, err := collector.NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	stored, err := db.RecentBatches(context.Background(), "demo-key", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, res.BatchID, stored[0].BatchID)
	assert.Equal(t, 11, stored[0].EventCount)
	assert.Equal(t, "shop", stored[0].Project)

	types := make([]protocol.AnomalyType, 0, len(stored[0].Anomalies))
	for _, an := range stored[0].Anomalies {
		types = append(types, an.Type)
	}
	assert.Contains(t, types, protocol.RepeatedError)
}

func TestAgentRejectedByCollector(t *testing.T) {
	addr := startCollector(t, &config.CollectorConfig{
		ListenAddr: "127.0.0.1:0",
		DB:         config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "vigil.db")},
		APIKeys: []config.APIKey{
			{Key: "demo-key", Secret: "super-secret", AllowedIPs: []string{"127.0.0.1"}},
		},
	})

	agentCfg := &config.AgentConfig{
		CollectorURL: "http://" + addr + collector.IngestPath,
		Project:      "shop",
		APIKey:       "demo-key",
		APISecret:    "wrong-secret",
	}
	agentCfg.ApplyDefaults()
	a := agent.New(agentCfg, nil)
	a.Track(protocol.Event{Type: "log"})

	res, err := a.Sender().Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeRejected, res.Outcome)
	assert.Equal(t, 401, res.StatusCode)
	assert.Equal(t, 1, res.Attempts, "rejections are not retried")
}

// generateTestCert creates a self-signed TLS certificate for testing
func generateTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))

	privBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}), 0o600))

	return certFile, keyFile
}
