package cli

import (
	"bytes"
	"testing"

	"github.com/Dhoini/billing-sync/internal/integration/stripe/stripetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "replay", "audit"} {
		assert.True(t, names[want], want)
	}

	migrate, _, err := root.Find([]string{"migrate", "status"})
	require.NoError(t, err)
	assert.Equal(t, "status", migrate.Name())
}

func TestMigrate_RejectsMemoryDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("STRIPE_WEBHOOK_SECRET", stripetest.Secret)
	t.Setenv("AUTH_JWT_SECRET", "cli-test")

	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"migrate", "up"})
	err := root.Execute()
	assert.ErrorIs(t, err, errMemoryDriver)
}

func TestMigrateGoto_InvalidVersion(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"migrate", "goto", "abc"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version")
}

func TestReplay_RequiresEventID(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"replay"})
	assert.Error(t, root.Execute())
}
