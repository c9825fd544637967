package app

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "hostinbox/backend/internal/auth/jwt"
	"hostinbox/backend/internal/config"
	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Credential: config.CredentialConfig{Key: base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))},
		Storage:    config.StorageConfig{RawPath: t.TempDir(), RetentionDays: 30},
		Ingest: config.IngestConfig{
			Provider:     config.ProviderGmail,
			ClaimBackend: config.ClaimBackendStore,
			MaxBackfill:  50,
			PollInterval: time.Minute,
			Workers:      2,
			RunnerID:     "runner-test",
		},
	}
}

func testMetrics() Option {
	return WithMetrics(monitoring.NewMetricsWith(prometheus.NewRegistry(), nil))
}

func TestNewMemoryApp(t *testing.T) {
	a, err := New(testConfig(t), nil, testMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.NotNil(t, a.Ingest)
	assert.NotNil(t, a.History)
	assert.NotNil(t, a.Raw)
	assert.NotNil(t, a.Poller())

	ctx := context.Background()
	require.NoError(t, a.Store.SaveEmailAccount(ctx, &domain.EmailAccount{
		Address:  "host@example.com",
		Provider: domain.ProviderGmail,
		Status:   domain.AccountStatusActive,
	}))
	require.NoError(t, a.Store.ClaimMessage(ctx, "host@example.com", "m1", "runner-test"))
	assert.ErrorIs(t, a.Store.ClaimMessage(ctx, "host@example.com", "m1", "other"), storage.ErrClaimExists)

	results := a.Health.CheckHealth(ctx)
	assert.Equal(t, "OK", results["storage"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		errMsg string
	}{
		{"密钥无效", func(cfg *config.Config) { cfg.Credential.Key = "short" }, "credential key"},
		{"unsupported provider", func(cfg *config.Config) { cfg.Ingest.Provider = "pop3" }, "unsupported mailbox provider"},
		{"redis claims without redis", func(cfg *config.Config) { cfg.Ingest.ClaimBackend = config.ClaimBackendRedis }, "requires redis"},
		{"未知认领后端", func(cfg *config.Config) { cfg.Ingest.ClaimBackend = "etcd" }, "unsupported claim backend"},
		{"unsupported database", func(cfg *config.Config) {
			cfg.Database.Type = "oracle"
			cfg.Database.DSN = "oracle://"
		}, "unsupported database type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(cfg, nil, testMetrics())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestStreamVerifier(t *testing.T) {
	assert.Nil(t, streamVerifier("", nil))

	tokens := jwtpkg.NewManager("jwt-secret", "")
	verify := streamVerifier("static", tokens)

	scope, err := verify("static")
	require.NoError(t, err)
	assert.Nil(t, scope)

	scoped, err := tokens.Issue("ops", []string{"host@villarosa.it"}, time.Hour)
	require.NoError(t, err)
	scope, err = verify(scoped)
	require.NoError(t, err)
	assert.Equal(t, []string{"host@villarosa.it"}, scope)

	unscoped, err := tokens.Issue("ops", nil, time.Hour)
	require.NoError(t, err)
	scope, err = verify(unscoped)
	require.NoError(t, err)
	assert.Nil(t, scope)

	_, err = verify("garbage")
	assert.Error(t, err)

	_, err = streamVerifier("static", nil)("garbage")
	assert.ErrorIs(t, err, jwtpkg.ErrInvalidToken)
}

func TestRunnerID(t *testing.T) {
	assert.Equal(t, "fixed", runnerID("fixed"))

	generated := runnerID("")
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, generated, runnerID(""))
}
