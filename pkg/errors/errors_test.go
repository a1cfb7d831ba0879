package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapMatchesBoth(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrIO, cause)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, cause)

	assert.Nil(t, Wrap(ErrIO, nil))

	already := fmt.Errorf("commit: %w", ErrIO)
	assert.Same(t, already, Wrap(ErrIO, already))
}

func TestHTTPStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNoteNotFound, http.StatusNotFound},
		{fmt.Errorf("parse: %w", ErrQuerySyntax), http.StatusBadRequest},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrStoreClosed, http.StatusServiceUnavailable},
		{Wrap(ErrNotSaved, ErrIO), http.StatusInternalServerError},
		{New(ErrInvalidInput, http.StatusUnprocessableEntity, "body"), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatusCode(tc.err), tc.err.Error())
	}
}

func TestAppErrorMessage(t *testing.T) {
	err := Newf(ErrInvalidInput, http.StatusBadRequest, "field %s", "body")
	assert.Equal(t, "invalid input: field body", err.Error())
	assert.ErrorIs(t, err, ErrInvalidInput)
}
