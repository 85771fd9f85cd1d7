package validation

import (
	"fmt"
	"strings"

	"repolens/internal/config"
	"repolens/internal/errors"
	"repolens/shared/types"
)

// FieldError describes one rejected parameter.
type FieldError struct {
	Field  string `json:"field"`
	Value  int    `json:"value"`
	Min    int    `json:"min"`
	Max    int    `json:"max"`
	Reason string `json:"reason"`
}

type Validator struct {
	limits config.Limits
}

func New(limits config.Limits) *Validator {
	return &Validator{limits: limits}
}

func (v *Validator) Max(limit types.Limit) int {
	switch limit {
	case types.LimitPageSize:
		return v.limits.MaxPageSize
	case types.LimitWindowSize:
		return v.limits.MaxWindowSize
	case types.LimitBytes:
		return v.limits.MaxBytes
	case types.LimitHunks:
		return v.limits.MaxHunks
	}
	return 0
}

// Envelope checks version and shape. It runs before the id is registered.
func (v *Validator) Envelope(req *types.Request) *errors.Error {
	if req.Version != types.APIVersion {
		return errors.UnsupportedVersion(req.Version, types.APIVersion)
	}
	if strings.TrimSpace(req.ID) == "" {
		return errors.Protocol("request id must not be empty")
	}
	if req.Payload.Kind == "" {
		return errors.Protocol("request payload is missing")
	}
	return nil
}

// Params checks bounds and required fields. Values out of range are
// rejected, never clamped.
func (v *Validator) Params(params types.Params) *errors.Error {
	var problems []FieldError

	if strings.TrimSpace(params.Repo()) == "" {
		problems = append(problems, FieldError{Field: "repo_path", Reason: "required"})
	}

	for _, b := range params.Bounds() {
		limit := v.Max(b.Limit)
		if b.Value < 1 || b.Value > limit {
			problems = append(problems, FieldError{
				Field:  b.Name,
				Value:  b.Value,
				Min:    1,
				Max:    limit,
				Reason: fmt.Sprintf("must be in [1, %d]", limit),
			})
		}
	}

	problems = append(problems, required(params)...)

	if len(problems) == 0 {
		return nil
	}
	return errors.ValidationError(summarize(problems), problems)
}

func required(params types.Params) []FieldError {
	var problems []FieldError
	need := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, FieldError{Field: field, Reason: "required"})
		}
	}
	noSymmetric := func(field, value string) {
		if strings.Contains(value, "...") {
			problems = append(problems, FieldError{Field: field, Reason: "symmetric ranges (a...b) are not supported"})
		}
	}

	switch p := params.(type) {
	case *types.ShowCommitParams:
		need("commit_id", p.CommitID)
	case *types.BlameParams:
		need("path", p.Path)
	case *types.LogParams:
		noSymmetric("revision_range", p.RevisionRange)
	case *types.GraphParams:
		noSymmetric("revision_range", p.RevisionRange)
	}
	return problems
}

func summarize(problems []FieldError) string {
	parts := make([]string, 0, len(problems))
	for _, p := range problems {
		if p.Reason == "required" {
			parts = append(parts, p.Field+" is required")
			continue
		}
		if p.Max > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d %s", p.Field, p.Value, p.Reason))
			continue
		}
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}
