package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"serve", "sync", "status", "migrate", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestNewRootCmd_LocalOnlyCommandsAreRegistered(t *testing.T) {
	// Every command path in the local-only map must belong to a real
	// command, otherwise the skip silently stops applying after a rename.
	cmd := newRootCmd()

	paths := map[string]bool{cmd.CommandPath(): true}
	for _, sub := range cmd.Commands() {
		paths[sub.CommandPath()] = true
	}

	for path := range localOnlyCommands {
		assert.True(t, paths[path], "local-only entry %q matches no command", path)
	}

	for path := range noConfigCommands {
		assert.True(t, paths[path], "no-config entry %q matches no command", path)
	}
}

func TestBuildScope_Empty(t *testing.T) {
	flagSyncKind = ""
	flagSyncProject = ""

	scope, err := buildScope()
	require.NoError(t, err)
	assert.Empty(t, scope.Kind)
	assert.True(t, scope.Project.IsZero())
}

func TestBuildScope_KindAndProject(t *testing.T) {
	flagSyncKind = "phase"
	flagSyncProject = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	t.Cleanup(func() {
		flagSyncKind = ""
		flagSyncProject = ""
	})

	scope, err := buildScope()
	require.NoError(t, err)
	assert.Equal(t, store.KindPhase, scope.Kind)
	assert.Equal(t, uid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), scope.Project)
}

func TestBuildScope_RejectsUnknownKind(t *testing.T) {
	flagSyncKind = "parts_parser"
	flagSyncProject = ""

	t.Cleanup(func() { flagSyncKind = "" })

	_, err := buildScope()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestBuildScope_RejectsMalformedProject(t *testing.T) {
	flagSyncKind = ""
	flagSyncProject = "not-a-uuid"

	t.Cleanup(func() { flagSyncProject = "" })

	_, err := buildScope()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid project id")
}

func TestNewCountersReport(t *testing.T) {
	c := store.Counters{Created: 1, Updated: 2, Deleted: 3, Unchanged: 4, Skipped: 5, Errors: 6}

	r := newCountersReport(c)
	assert.Equal(t, countersReport{
		Created: 1, Updated: 2, Deleted: 3, Unchanged: 4, Skipped: 5, Errors: 6,
	}, r)
}
