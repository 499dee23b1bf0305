package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "supervisor"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestServe_RejectsUnknownAgent(t *testing.T) {
	root := newRootCommand()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"serve", "--agent", "treasury"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid agent "treasury"`)
}

func TestSupervisor_RejectsUnknownTransport(t *testing.T) {
	root := newRootCommand()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"supervisor", "--transport", "smoke-signals"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transport")
}
