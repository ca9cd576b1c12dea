package cmd

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDbCommand tests the parent db command structure.
func TestDbCommand(t *testing.T) {
	cmd := NewDbCommand(&Deps{})

	assert.NotNil(t, cmd, "NewDbCommand() should not return nil")
	assert.Equal(t, "db", cmd.Use, "db command Use should be 'db'")
	assert.NotEmpty(t, cmd.Short, "db command should have Short description")
	assert.NotEmpty(t, cmd.Long, "db command should have Long description")
}

// TestDbCommand_HasSubcommands verifies the db command has migrate, status and health.
func TestDbCommand_HasSubcommands(t *testing.T) {
	cmd := NewDbCommand(&Deps{})

	found := map[string]bool{}
	for _, sub := range cmd.Commands() {
		found[sub.Use] = true
	}
	for _, name := range []string{"migrate", "status", "health"} {
		assert.True(t, found[name], "db command should have %q subcommand", name)
	}
}

// TestDbMigrateCommand_Flags verifies the migrate subcommand has expected flags.
func TestDbMigrateCommand_Flags(t *testing.T) {
	cmd := NewDbCommand(&Deps{})

	migrateCmd, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err, "should find migrate subcommand")
	require.NotNil(t, migrateCmd)

	assert.NotEmpty(t, migrateCmd.Long)
	assert.NotEmpty(t, migrateCmd.Example, "migrate command should have example usage")

	dryRunFlag := migrateCmd.Flags().Lookup("dry-run")
	require.NotNil(t, dryRunFlag, "migrate command should have --dry-run flag")
	assert.Equal(t, "bool", dryRunFlag.Value.Type())
	assert.NotEmpty(t, dryRunFlag.Usage)

	yesFlag := migrateCmd.Flags().ShorthandLookup("y")
	require.NotNil(t, yesFlag, "migrate command should have -y")
	assert.Equal(t, "yes", yesFlag.Name)
}

// TestDbStatusAndHealth_OutputFlag verifies both reporting commands take -o.
func TestDbStatusAndHealth_OutputFlag(t *testing.T) {
	cmd := NewDbCommand(&Deps{})

	for _, name := range []string{"status", "health"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.NotNil(t, sub.Flags().Lookup("output"), "%s should have --output", name)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			var out strings.Builder
			assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Apply?"))
			assert.Contains(t, out.String(), "Apply?")
		})
	}
}
