//go:build mage

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCmdAppliesEnv(t *testing.T) {
	out, err := executeCmd("go", withArgs("env"), withArgs("CGO_ENABLED"), withEnv("CGO_ENABLED=1"))
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))
}

func TestExecuteCmdReportsTheCommand(t *testing.T) {
	_, err := executeCmd("go", withArgs("definitely-not-a-subcommand"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "go definitely-not-a-subcommand")
}
