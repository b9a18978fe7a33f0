package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name          string
		loggingConfig string
		expectedLevel zapcore.Level
		expectError   bool
	}{
		{
			name: "info level json encoding",
			loggingConfig: `
logging:
  level: info
  development: false
  encoding: json
`,
			expectedLevel: zapcore.InfoLevel,
			expectError:   false,
		},
		{
			name: "debug level console encoding",
			loggingConfig: `
logging:
  level: debug
  development: true
  encoding: console
`,
			expectedLevel: zapcore.DebugLevel,
			expectError:   false,
		},
		{
			name: "invalid level",
			loggingConfig: `
logging:
  level: invalid
  development: false
  encoding: json
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := config.NewYAML(config.Source(strings.NewReader(tt.loggingConfig)))
			require.NoError(t, err)

			sugared, err := NewSugaredLogger(provider)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			logger := NewLogger(sugared)
			require.NotNil(t, logger)
			logger.Info("test message")
		})
	}
}

func TestNewSugaredLoggerWritesToConfiguredOutputPath(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "gateway.log")

	loggingConfig := `
logging:
  level: info
  encoding: json
  outputPaths:
    - ` + logPath + `
`
	provider, err := config.NewYAML(config.Source(strings.NewReader(loggingConfig)))
	require.NoError(t, err)

	sugared, err := NewSugaredLogger(provider)
	require.NoError(t, err)

	sugared.Infow("hello from test", "key", "value")
	require.NoError(t, sugared.Sync())

	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "hello from test")
}

func TestNewSugaredLoggerAuditPathCapturesWarnAndAbove(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")

	loggingConfig := `
logging:
  level: info
  encoding: console
  auditPath: ` + auditPath + `
`
	provider, err := config.NewYAML(config.Source(strings.NewReader(loggingConfig)))
	require.NoError(t, err)

	sugared, err := NewSugaredLogger(provider)
	require.NoError(t, err)

	sugared.Infow("below audit threshold")
	sugared.Warnw("force-close requested", "workspace", "acme")
	require.NoError(t, sugared.Sync())

	contents, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "below audit threshold")
	assert.Contains(t, string(contents), "force-close requested")
	assert.Contains(t, string(contents), `"workspace":"acme"`)
}

func TestLoggingConfig_Populate(t *testing.T) {
	configYAML := strings.NewReader(`
logging:
  level: warn
  development: true
  encoding: console
  outputPaths:
    - stdout
    - stderr
  auditPath: /var/log/gateway-audit.log
`)

	provider, err := config.NewYAML(config.Source(configYAML))
	require.NoError(t, err)

	var loggingConfig LoggingConfig
	err = provider.Get("logging").Populate(&loggingConfig)
	require.NoError(t, err)

	assert.Equal(t, "warn", loggingConfig.Level)
	assert.True(t, loggingConfig.Development)
	assert.Equal(t, "console", loggingConfig.Encoding)
	assert.Equal(t, []string{"stdout", "stderr"}, loggingConfig.OutputPaths)
	assert.Equal(t, "/var/log/gateway-audit.log", loggingConfig.AuditPath)
}
