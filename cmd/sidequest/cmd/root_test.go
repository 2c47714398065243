package cmd

import (
	"testing"

	clitest "github.com/bargom/sidequest/cmd/sidequest/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("shows help when no command provided", func(t *testing.T) {
		rootCmd := NewRootCmd()
		output, err := clitest.ExecuteCommand(rootCmd, "--help")

		require.NoError(t, err)
		assert.Contains(t, output, "sidequest")
		assert.Contains(t, output, "Usage:")
	})

	t.Run("has global verbose flag", func(t *testing.T) {
		rootCmd := NewRootCmd()
		output, err := clitest.ExecuteCommand(rootCmd, "--help")

		require.NoError(t, err)
		assert.Contains(t, output, "--verbose")
	})

	t.Run("has global output flag", func(t *testing.T) {
		rootCmd := NewRootCmd()
		output, err := clitest.ExecuteCommand(rootCmd, "--help")

		require.NoError(t, err)
		assert.Contains(t, output, "--output")
	})

	t.Run("shows all subcommands", func(t *testing.T) {
		rootCmd := NewRootCmd()
		output, err := clitest.ExecuteCommand(rootCmd, "--help")

		require.NoError(t, err)
		assert.Contains(t, output, "serve")
		assert.Contains(t, output, "version")
	})

	t.Run("returns error for unknown command", func(t *testing.T) {
		rootCmd := NewRootCmd()
		_, err := clitest.ExecuteCommand(rootCmd, "nonexistent")

		assert.Error(t, err)
	})
}

func TestServeCommandFlags(t *testing.T) {
	rootCmd := NewRootCmd()
	output, err := clitest.ExecuteCommand(rootCmd, "serve", "--help")

	require.NoError(t, err)
	assert.Contains(t, output, "--port")
	assert.Contains(t, output, "--db")
}

func TestServeCommandRejectsArguments(t *testing.T) {
	rootCmd := NewRootCmd()
	_, err := clitest.ExecuteCommand(rootCmd, "serve", "positional")

	assert.Error(t, err)
}
