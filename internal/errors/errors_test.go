package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryRemediation(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code Code
	}{
		{"repo not found", RepoNotFound("/tmp/x"), CodeRepoNotFound},
		{"version", UnsupportedVersion("v9", "v0"), CodeUnsupportedVersion},
		{"duplicate", DuplicateRequestID("a"), CodeDuplicateRequestID},
		{"unknown op", UnknownOperation("fetch"), CodeUnknownOperation},
		{"validation", ValidationError("bad", nil), CodeValidation},
		{"budget", BudgetExceeded("too big"), CodeBudgetExceeded},
		{"cancelled", Cancelled("stop"), CodeCancelled},
		{"internal", Internal(fmt.Errorf("boom")), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.NotEmpty(t, tt.err.Message)
			assert.NotEmpty(t, tt.err.Remediation)
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", NotFound("no such ref"))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := Wrap(CodeInternal, cause, "reading index")
	require.ErrorIs(t, err, cause)

	e := From(fmt.Errorf("outer: %w", err))
	assert.Same(t, err, e)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, RepoNotFound("x").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, ValidationError("x", nil).HTTPStatus())
	assert.Equal(t, http.StatusConflict, DuplicateRequestID("x").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Internal(stderrors.New("x")).HTTPStatus())
}
