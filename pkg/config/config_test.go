package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relikd/dockwatch/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	require.False(t, cfg.OrchestratorEnabled())
	require.Equal(t, 5*24, int(cfg.BackupRetention.Hours()))
}

func TestLoad_PortainerRequiresAuth(t *testing.T) {
	t.Setenv("PORTAINER_URL", "https://portainer.example.com")
	t.Setenv("PORTAINER_API_KEY", "")
	t.Setenv("PORTAINER_USERNAME", "")
	t.Setenv("PORTAINER_PASSWORD", "")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoad_PortainerAPIKeyEnables(t *testing.T) {
	t.Setenv("PORTAINER_URL", "https://portainer.example.com")
	t.Setenv("PORTAINER_API_KEY", "secret")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.OrchestratorEnabled())
}

func TestLoad_InvalidUpdateMode(t *testing.T) {
	t.Setenv("UPDATE_MODE", "FORTNIGHTLY")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoad_BackupRetentionMustBePositive(t *testing.T) {
	t.Setenv("BACKUP_RETENTION_DAYS", "0")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrInvalid)
}
