package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeErrorMessage(t *testing.T) {
	err := ExitCodeError{Code: 2}
	assert.Equal(t, "exit 2", err.Error())
}

func TestExitCodeErrorIsAnError(t *testing.T) {
	var err error = ExitCodeError{Code: 1}
	assert.ErrorContains(t, err, "exit 1")
}

func TestNewLoggerBuildsWithoutError(t *testing.T) {
	log, err := newLogger()
	assert.NoError(t, err)
	assert.NotNil(t, log)
}

func TestRunDaemonFailsOnMissingConfig(t *testing.T) {
	log, err := newLogger()
	assert.NoError(t, err)

	runErr := runDaemon("/nonexistent/config.toml", log)
	assert.Error(t, runErr)

	var exitErr ExitCodeError
	assert.ErrorAs(t, runErr, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
}
