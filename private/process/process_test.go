// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package process_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Heerozh/HeTu-sub001/private/process"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, process.ExitOK, process.ExitCode(nil))
	assert.Equal(t, process.ExitConfig, process.ExitCode(process.ErrConfig.New("bad")))
	assert.Equal(t, process.ExitBackend, process.ExitCode(process.ErrBackend.New("down")))
	assert.Equal(t, process.ExitMigrate, process.ExitCode(process.ErrMigrate.New("stale")))
	assert.Equal(t, process.ExitConfig, process.ExitCode(errors.New("anything else")))
}

func TestNewLogger(t *testing.T) {
	log, err := process.NewLogger("debug")
	assert.NoError(t, err)
	assert.NotNil(t, log)

	_, err = process.NewLogger("chatty")
	assert.Error(t, err)
}
