package smerror_test

import (
	"net/http"
	"testing"

	"github.com/dulitha/sessiond/internal/smerror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestSMError(t *testing.T) {
	err := smerror.New("some message")

	assert.Equal(t, "some message", err.Error())
}

func TestSMErrorStatusCode(t *testing.T) {
	err := smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")

	assert.Equal(t, http.StatusBadRequest, smerror.StatusCode(err))
	assert.Equal(t, "invalid-number", err.Tag())

	// The code survives wrapping.
	wrapped := errors.Wrap(err, "could not create session")
	assert.Equal(t, http.StatusBadRequest, smerror.StatusCode(wrapped))

	assert.Equal(t, http.StatusInternalServerError, smerror.StatusCode(errors.New("boom")))
}

func TestSMErrorWithNumber(t *testing.T) {
	err := smerror.NewWithTagCode(http.StatusNotFound, "unknown-session", "Session is gone.").WithNumber("94741671668")

	assert.Equal(t, "94741671668", err.Number())
}
