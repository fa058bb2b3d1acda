package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, "imap:\n  host: mail.example\n")
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 993, cfg.IMAP.Port)
	require.True(t, cfg.IMAP.TLS)
	require.Equal(t, "INBOX", cfg.IMAP.Folder)
	require.Equal(t, "REQ-CODE", cfg.Pipeline.SubjectPrefix)
	require.Equal(t, "laundry:password", cfg.Redis.AccessCodeKey)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, time.Hour, cfg.Auth.SessionTTL)
}

func TestLoadReadsValues(t *testing.T) {
	dir := writeConfig(t, `
imap:
  host: imap.example
  port: 143
  username: box
  password: secret
  tls: false
smtp:
  host: smtp.example
  username: relay
  password: hunter2
  from: condo@example
pipeline:
  subject_prefix: REQ-CODE
  search_window: 72h
  workers: 2
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "imap.example:143", cfg.IMAP.Addr())
	require.False(t, cfg.IMAP.TLS)
	require.Equal(t, 72*time.Hour, cfg.Pipeline.SearchWindow)
	require.Equal(t, 2, cfg.Pipeline.Workers)
	require.NoError(t, cfg.Validate())
}

func TestValidateReportsMissingFields(t *testing.T) {
	cfg := &Config{}
	cfg.Pipeline.Workers = 1
	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "imap.host")
	require.Contains(t, err.Error(), "smtp.host")
	require.Contains(t, err.Error(), "redis.addr")
}

func TestValidateServerRequiresSecret(t *testing.T) {
	dir := writeConfig(t, `
imap:
  host: imap.example
  username: box
  password: secret
smtp:
  host: smtp.example
  username: relay
  password: hunter2
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	err = cfg.ValidateServer()
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "auth.jwt_secret")

	cfg.Auth.JWTSecret = "0123456789abcdef"
	require.NoError(t, cfg.ValidateServer())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ACESSOBOX_IMAP_HOST", "env.example")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "env.example", cfg.IMAP.Host)
}
