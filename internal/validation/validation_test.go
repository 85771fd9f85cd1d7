package validation

import (
	"testing"

	"repolens/internal/config"
	"repolens/internal/errors"
	"repolens/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator() *Validator {
	return New(config.Default().Limits)
}

func TestEnvelope(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name string
		req  types.Request
		code errors.Code
	}{
		{"ok", types.Request{Version: "v0", ID: "a", Payload: types.Payload{Kind: types.KindStatus}}, ""},
		{"future version", types.Request{Version: "v9", ID: "a", Payload: types.Payload{Kind: types.KindStatus}}, errors.CodeUnsupportedVersion},
		{"empty id", types.Request{Version: "v0", Payload: types.Payload{Kind: types.KindStatus}}, errors.CodeProtocol},
		{"no payload", types.Request{Version: "v0", ID: "a"}, errors.CodeProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Envelope(&tt.req)
			if tt.code == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestParamsBounds(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name   string
		params types.Params
		ok     bool
	}{
		{"page size min", &types.LogParams{RepoPath: "/r", PageSize: 1}, true},
		{"page size max", &types.LogParams{RepoPath: "/r", PageSize: 1000}, true},
		{"page size zero", &types.LogParams{RepoPath: "/r", PageSize: 0}, false},
		{"page size over", &types.LogParams{RepoPath: "/r", PageSize: 1001}, false},
		{"negative window", &types.GraphParams{RepoPath: "/r", WindowSize: -1}, false},
		{"bytes over", &types.DiffSummaryParams{RepoPath: "/r", MaxBytes: 10*1024*1024 + 1, MaxHunks: 5}, false},
		{"hunks zero", &types.DiffContentParams{RepoPath: "/r", MaxBytes: 100, MaxHunks: 0}, false},
		{"diff ok", &types.DiffContentParams{RepoPath: "/r", MaxBytes: 100, MaxHunks: 10}, true},
		{"missing repo", &types.StatusParams{}, false},
		{"blame needs path", &types.BlameParams{RepoPath: "/r", WindowSize: 10}, false},
		{"symmetric range", &types.LogParams{RepoPath: "/r", PageSize: 5, RevisionRange: "a...b"}, false},
		{"two dot range", &types.LogParams{RepoPath: "/r", PageSize: 5, RevisionRange: "a..b"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Params(tt.params)
			if tt.ok {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, errors.CodeValidation, err.Code)
			assert.NotEmpty(t, err.Remediation)
		})
	}
}

func TestParamsReportsEveryField(t *testing.T) {
	err := newValidator().Params(&types.DiffSummaryParams{RepoPath: "/r", MaxBytes: 0, MaxHunks: 0})
	require.NotNil(t, err)
	problems, ok := err.Details.([]FieldError)
	require.True(t, ok)
	assert.Len(t, problems, 2)
	assert.Contains(t, err.Message, "max_bytes=0")
}
