package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// Runner abstracts executing the git binary so tests can substitute output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// ExecRunner executes the configured git binary.
type ExecRunner struct {
	GitBin string
}

func NewExecRunner(gitBin string) *ExecRunner {
	if strings.TrimSpace(gitBin) == "" {
		gitBin = "git"
	}
	return &ExecRunner{GitBin: gitBin}
}

// CommandError is a git invocation that exited unsuccessfully.
type CommandError struct {
	Args     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", e.Args, e.ExitCode, e.Stderr)
}

func (e *ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	full := append([]string{"-c", "core.quotepath=off", "-c", "color.ui=false"}, args...)
	cmd := exec.CommandContext(ctx, e.GitBin, full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_OPTIONAL_LOCKS=0",
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
	)

	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("git %s: %w", sanitizeArgs(args), context.Cause(ctx))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{
				Args:     sanitizeArgs(args),
				ExitCode: exitErr.ExitCode(),
				Stderr:   redactTokens(strings.TrimSpace(errb.String())),
			}
		}
		return nil, fmt.Errorf("git %s: %w", sanitizeArgs(args), err)
	}
	return out.Bytes(), nil
}

var safeWord = regexp.MustCompile(`^[a-z][a-z-]*$`)

// sanitizeArgs keeps at most the first two subcommand tokens that look like
// plain words, so paths and urls stay out of error messages.
func sanitizeArgs(args []string) string {
	if len(args) == 0 {
		return "<no-args>"
	}
	safe := make([]string, 0, 2)
	for _, a := range args {
		if !safeWord.MatchString(a) {
			break
		}
		safe = append(safe, a)
		if len(safe) == 2 {
			break
		}
	}
	if len(safe) == 0 {
		return "<redacted>"
	}
	return strings.Join(safe, " ")
}

var (
	credentialURL = regexp.MustCompile(`https?://[^\s@]+@`)
	secretParam   = regexp.MustCompile(`(?i)(token|secret|password|passwd|bearer)=[^\s]+`)
)

func redactTokens(s string) string {
	s = credentialURL.ReplaceAllString(s, "https://<redacted>@")
	return secretParam.ReplaceAllString(s, "$1=<redacted>")
}

// classify maps git's stderr onto the backend sentinels. Unknown failures
// pass through unchanged.
func classify(err error) error {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}
	msg := strings.ToLower(cmdErr.Stderr)
	switch {
	case strings.Contains(msg, "not a git repository"),
		strings.Contains(msg, "cannot change to"):
		return fmt.Errorf("%w: %s", ErrRepoNotFound, cmdErr.Stderr)
	case strings.Contains(msg, "no such path"),
		strings.Contains(msg, "does not exist in"),
		strings.Contains(msg, "exists on disk, but not in"):
		return fmt.Errorf("%w: %s", ErrPathNotFound, cmdErr.Stderr)
	case strings.Contains(msg, "unknown revision"),
		strings.Contains(msg, "bad revision"),
		strings.Contains(msg, "bad object"),
		strings.Contains(msg, "invalid object name"),
		strings.Contains(msg, "needed a single revision"),
		strings.Contains(msg, "ambiguous argument"),
		strings.Contains(msg, "does not have any commits yet"):
		return fmt.Errorf("%w: %s", ErrRefNotFound, cmdErr.Stderr)
	}
	return err
}

func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}
