// Package git is the repository access layer. Handlers only see the Backend
// interface; the subprocess, go-git and in-memory variants are picked once
// at construction.
package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"repolens/internal/diff"
	"repolens/internal/fingerprint"
)

var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrRefNotFound  = errors.New("revision not found")
	ErrPathNotFound = errors.New("path not found")
)

// EmptyTreeOID is the id of git's empty tree, used as the base of root commits.
const EmptyTreeOID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Worktree stands for the working directory as a diff side.
const Worktree = ""

// CanonicalPath gives one spelling per repository location: absolute,
// cleaned and, when the path exists, with symlinks resolved. Cache keys,
// snapshots and the watcher all use it.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// IsOID reports whether s is a full lowercase hex object id, SHA-1 or
// SHA-256.
func IsOID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type Commit struct {
	ID          string
	Parents     []string
	AuthorName  string
	AuthorEmail string
	Time        int64
	Message     string
}

// Summary is the first line of the commit message.
func (c Commit) Summary() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// LogQuery selects commits reachable from Include and not from Exclude, in
// reverse chronological order, after skipping Skip of them.
type LogQuery struct {
	Include []string
	Exclude []string
	Skip    int
	Limit   int
}

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
	Renamed  ChangeKind = "renamed"
)

type FileChange struct {
	Path      string
	OldPath   string
	Kind      ChangeKind
	Additions int
	Deletions int
	Binary    bool
}

type BlameLine struct {
	LineNumber  int
	CommitID    string
	AuthorName  string
	AuthorEmail string
	Content     string
}

type RefKind string

const (
	RefBranch       RefKind = "branch"
	RefRemoteBranch RefKind = "remote"
	RefTag          RefKind = "tag"
)

type Ref struct {
	Name     string
	Kind     RefKind
	CommitID string
	Message  string
}

type Remote struct {
	Name  string
	URL   string
	Fetch []string
	Push  []string
}

// Backend supplies repository primitives. Every call takes the request
// context so long-running work aborts when the request is cancelled.
type Backend interface {
	Name() string
	Fingerprint(ctx context.Context, repo string) (fingerprint.Fingerprint, error)
	Status(ctx context.Context, repo string) (*Status, error)
	// Resolve returns the full commit id rev points at.
	Resolve(ctx context.Context, repo, rev string) (string, error)
	Log(ctx context.Context, repo string, q LogQuery) ([]Commit, error)
	Commit(ctx context.Context, repo, id string) (*Commit, error)
	// DiffSummary lists changes from one commit to another; to == Worktree
	// compares against the working directory.
	DiffSummary(ctx context.Context, repo, from, to string) ([]FileChange, error)
	DiffFile(ctx context.Context, repo, from, to string, change FileChange) (*diff.DiffResult, error)
	Blame(ctx context.Context, repo, rev, path string) ([]BlameLine, error)
	Refs(ctx context.Context, repo string) (current string, refs []Ref, err error)
	Remotes(ctx context.Context, repo string) ([]Remote, error)
}

type Options struct {
	Kind      string
	GitBinary string
	// RepoCacheSize bounds how many opened repositories the go-git backend keeps.
	RepoCacheSize int
}

func New(opts Options) (Backend, error) {
	switch opts.Kind {
	case "", "exec":
		return NewExecBackend(NewExecRunner(opts.GitBinary)), nil
	case "gogit":
		b, err := NewGoGitBackend(opts.RepoCacheSize)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown git backend %q", opts.Kind)
	}
}
