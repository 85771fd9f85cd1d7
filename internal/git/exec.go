package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"repolens/internal/diff"
	"repolens/internal/fingerprint"

	"golang.org/x/sync/errgroup"
)

// commitFormat separates fields with NUL and records with RS.
const commitFormat = "--format=%H%x00%P%x00%an%x00%ae%x00%at%x00%B%x1e"

type layout struct {
	gitDir string
	top    string
}

// ExecBackend drives the git command line.
type ExecBackend struct {
	runner  Runner
	layouts sync.Map // repo path -> layout
}

func NewExecBackend(runner Runner) *ExecBackend {
	return &ExecBackend{runner: runner}
}

func (b *ExecBackend) Name() string { return "exec" }

func (b *ExecBackend) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	out, err := b.runner.Run(ctx, dir, args...)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (b *ExecBackend) layout(ctx context.Context, repo string) (layout, error) {
	if l, ok := b.layouts.Load(repo); ok {
		return l.(layout), nil
	}
	info, err := os.Stat(repo)
	if err != nil || !info.IsDir() {
		return layout{}, fmt.Errorf("%w: %s", ErrRepoNotFound, repo)
	}
	out, err := b.run(ctx, repo, "rev-parse", "--absolute-git-dir", "--show-toplevel")
	if err != nil {
		if exitCode(err) > 0 {
			return layout{}, fmt.Errorf("%w: %s", ErrRepoNotFound, repo)
		}
		return layout{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		return layout{}, fmt.Errorf("%w: %s has no working tree", ErrRepoNotFound, repo)
	}
	l := layout{gitDir: lines[0], top: lines[1]}
	b.layouts.Store(repo, l)
	return l, nil
}

// head returns the commit HEAD points at, or "" when the branch is unborn.
func (b *ExecBackend) head(ctx context.Context, top string) (string, error) {
	out, err := b.run(ctx, top, "rev-parse", "-q", "--verify", "HEAD^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *ExecBackend) branch(ctx context.Context, top string) (string, error) {
	out, err := b.run(ctx, top, "symbolic-ref", "-q", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *ExecBackend) porcelain(ctx context.Context, top string) ([]StatusEntry, error) {
	out, err := b.run(ctx, top, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func (b *ExecBackend) Fingerprint(ctx context.Context, repo string) (fingerprint.Fingerprint, error) {
	l, err := b.layout(ctx, repo)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}

	var (
		fp      fingerprint.Fingerprint
		refs    []byte
		entries []StatusEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fp.HeadOID, err = b.head(gctx, l.top)
		return err
	})
	g.Go(func() error {
		var err error
		refs, err = b.run(gctx, l.top, "for-each-ref", "--format=%(objectname) %(refname)")
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = b.porcelain(gctx, l.top)
		return err
	})
	if err := g.Wait(); err != nil {
		return fingerprint.Fingerprint{}, err
	}

	index := fingerprint.NewHasher()
	statStamp(index, filepath.Join(l.gitDir, "index"))
	fp.IndexStateHash = index.Sum()

	headFile, _ := os.ReadFile(filepath.Join(l.gitDir, "HEAD"))
	fp.RefsHash = fingerprint.NewHasher().Bytes(headFile).Bytes(refs).Sum()

	fp.WorktreeDirty = len(entries) > 0
	fp.WorktreeStamp = stampWorktree(l.top, entries)
	return fp, nil
}

func (b *ExecBackend) Status(ctx context.Context, repo string) (*Status, error) {
	l, err := b.layout(ctx, repo)
	if err != nil {
		return nil, err
	}

	st := &Status{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		st.Branch, err = b.branch(gctx, l.top)
		return err
	})
	g.Go(func() error {
		var err error
		st.Head, err = b.head(gctx, l.top)
		return err
	})
	g.Go(func() error {
		var err error
		st.Entries, err = b.porcelain(gctx, l.top)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st, nil
}

func (b *ExecBackend) Resolve(ctx context.Context, repo, rev string) (string, error) {
	l, err := b.layout(ctx, repo)
	if err != nil {
		return "", err
	}
	if rev == "" {
		return "", fmt.Errorf("%w: %q", ErrRefNotFound, rev)
	}
	if err := checkRevs(rev); err != nil {
		return "", err
	}
	out, err := b.run(ctx, l.top, "rev-parse", "-q", "--verify", rev+"^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("%w: %s", ErrRefNotFound, rev)
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// checkRevs rejects revisions that git would parse as options. Every
// revision reaches argv ahead of "--".
func checkRevs(revs ...string) error {
	for _, rev := range revs {
		if strings.HasPrefix(rev, "-") {
			return fmt.Errorf("%w: %q", ErrRefNotFound, rev)
		}
	}
	return nil
}

func (b *ExecBackend) Log(ctx context.Context, repo string, q LogQuery) ([]Commit, error) {
	if err := checkRevs(q.Include...); err != nil {
		return nil, err
	}
	if err := checkRevs(q.Exclude...); err != nil {
		return nil, err
	}
	l, err := b.layout(ctx, repo)
	if err != nil {
		return nil, err
	}
	if len(q.Include) == 1 && q.Include[0] == "HEAD" {
		head, err := b.head(ctx, l.top)
		if err != nil || head == "" {
			return nil, err
		}
	}
	args := []string{"log", "--no-color", commitFormat}
	if q.Skip > 0 {
		args = append(args, "--skip="+strconv.Itoa(q.Skip))
	}
	if q.Limit > 0 {
		args = append(args, "-n", strconv.Itoa(q.Limit))
	}
	args = append(args, q.Include...)
	if len(q.Exclude) > 0 {
		args = append(args, "--not")
		args = append(args, q.Exclude...)
	}
	args = append(args, "--")

	out, err := b.run(ctx, l.top, args...)
	if err != nil {
		return nil, err
	}
	return parseCommits(out)
}

func (b *ExecBackend) Commit(ctx context.Context, repo, id string) (*Commit, error) {
	commits, err := b.Log(ctx, repo, LogQuery{Include: []string{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, id)
	}
	return &commits[0], nil
}

func parseCommits(out []byte) ([]Commit, error) {
	var commits []Commit
	for _, record := range bytes.Split(out, []byte{0x1e}) {
		record = bytes.TrimLeft(record, "\n")
		if len(record) == 0 {
			continue
		}
		fields := strings.SplitN(string(record), "\x00", 6)
		if len(fields) != 6 {
			return nil, fmt.Errorf("unexpected log record %q", record)
		}
		ts, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing commit time: %w", err)
		}
		var parents []string
		if fields[1] != "" {
			parents = strings.Fields(fields[1])
		}
		commits = append(commits, Commit{
			ID:          fields[0],
			Parents:     parents,
			AuthorName:  fields[2],
			AuthorEmail: fields[3],
			Time:        ts,
			Message:     strings.TrimRight(fields[5], "\n"),
		})
	}
	return commits, nil
}

func diffSides(from, to string) []string {
	if to == Worktree {
		return []string{from}
	}
	return []string{from, to}
}

func (b *ExecBackend) DiffSummary(ctx context.Context, repo, from, to string) ([]FileChange, error) {
	if err := checkRevs(from, to); err != nil {
		return nil, err
	}
	l, err := b.layout(ctx, repo)
	if err != nil {
		return nil, err
	}
	sides := diffSides(from, to)

	var nameStatus, numstat []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		args := append([]string{"diff", "--no-ext-diff", "--name-status", "-z", "-M"}, sides...)
		nameStatus, err = b.run(gctx, l.top, append(args, "--")...)
		return err
	})
	g.Go(func() error {
		var err error
		args := append([]string{"diff", "--no-ext-diff", "--numstat", "-z", "-M"}, sides...)
		numstat, err = b.run(gctx, l.top, append(args, "--")...)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changes := parseNameStatus(nameStatus)
	applyNumstat(changes, numstat)

	out := make([]FileChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func parseNameStatus(out []byte) map[string]*FileChange {
	changes := make(map[string]*FileChange)
	fields := strings.Split(string(out), "\x00")
	for i := 0; i < len(fields); i++ {
		status := fields[i]
		if status == "" {
			continue
		}
		c := &FileChange{}
		switch status[0] {
		case 'R', 'C':
			if i+2 >= len(fields) {
				return changes
			}
			c.OldPath, c.Path = fields[i+1], fields[i+2]
			c.Kind = Renamed
			if status[0] == 'C' {
				c.Kind = Added
			}
			i += 2
		default:
			if i+1 >= len(fields) {
				return changes
			}
			c.Path = fields[i+1]
			i++
			switch status[0] {
			case 'A':
				c.Kind = Added
			case 'D':
				c.Kind = Deleted
			default:
				c.Kind = Modified
			}
		}
		changes[c.Path] = c
	}
	return changes
}

// applyNumstat merges `diff --numstat -z` counts into changes. Renames are
// printed as "add\tdel\t\0old\0new\0"; binary files as "-\t-\tpath".
func applyNumstat(changes map[string]*FileChange, out []byte) {
	fields := strings.Split(string(out), "\x00")
	for i := 0; i < len(fields); i++ {
		parts := strings.SplitN(fields[i], "\t", 3)
		if len(parts) != 3 {
			continue
		}
		path := parts[2]
		if path == "" && i+2 < len(fields) {
			path = fields[i+2]
			i += 2
		}
		c, ok := changes[path]
		if !ok {
			continue
		}
		if parts[0] == "-" && parts[1] == "-" {
			c.Binary = true
			continue
		}
		c.Additions, _ = strconv.Atoi(parts[0])
		c.Deletions, _ = strconv.Atoi(parts[1])
	}
}

func (b *ExecBackend) DiffFile(ctx context.Context, repo, from, to string, change FileChange) (*diff.DiffResult, error) {
	if err := checkRevs(from, to); err != nil {
		return nil, err
	}
	l, err := b.layout(ctx, repo)
	if err != nil {
		return nil, err
	}
	args := append([]string{"diff", "--no-ext-diff", "-M", "-U3"}, diffSides(from, to)...)
	args = append(args, "--")
	if change.OldPath != "" && change.OldPath != change.Path {
		args = append(args, change.OldPath)
	}
	args = append(args, change.Path)

	out, err := b.run(ctx, l.top, args...)
	if err != nil {
		return nil, err
	}
	return diff.ParseUnified(string(out))
}

func (b *ExecBackend) Blame(ctx context.Context, repo, rev, path string) ([]BlameLine, error) {
	if err := checkRevs(rev); err != nil {
		return nil, err
	}
	l, err := b.layout(ctx, repo)
	if err != nil {
		return nil, err
	}
	args := []string{"blame", "--porcelain"}
	if rev != "" {
		args = append(args, rev)
	}
	args = append(args, "--", path)

	out, err := b.run(ctx, l.top, args...)
	if err != nil {
		return nil, err
	}
	return parseBlamePorcelain(out)
}

type blameAuthor struct {
	name  string
	email string
}

func parseBlamePorcelain(out []byte) ([]BlameLine, error) {
	authors := make(map[string]*blameAuthor)
	var (
		lines   []BlameLine
		current BlameLine
		author  *blameAuthor
	)
	for _, raw := range strings.Split(string(out), "\n") {
		if raw == "" {
			continue
		}
		if raw[0] == '\t' {
			current.Content = raw[1:]
			if author != nil {
				current.AuthorName, current.AuthorEmail = author.name, author.email
			}
			lines = append(lines, current)
			continue
		}
		fields := strings.Fields(raw)
		if len(fields) >= 3 && len(fields[0]) == 40 && isHex(fields[0]) {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("parsing blame line number: %w", err)
			}
			current = BlameLine{CommitID: fields[0], LineNumber: n}
			author = authors[fields[0]]
			if author == nil {
				author = &blameAuthor{}
				authors[fields[0]] = author
			}
			continue
		}
		key, value, _ := strings.Cut(raw, " ")
		switch key {
		case "author":
			author.name = value
		case "author-mail":
			author.email = strings.Trim(value, "<>")
		}
	}
	return lines, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (b *ExecBackend) Refs(ctx context.Context, repo string) (string, []Ref, error) {
	l, err := b.layout(ctx, repo)
	if err != nil {
		return "", nil, err
	}

	var (
		current string
		out     []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = b.branch(gctx, l.top)
		return err
	})
	g.Go(func() error {
		var err error
		out, err = b.run(gctx, l.top, "for-each-ref",
			"--format=%(refname)%00%(objecttype)%00%(objectname)%00%(*objectname)%00%(contents:subject)",
			"refs/heads", "refs/remotes", "refs/tags")
		return err
	})
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	var refs []Ref
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.SplitN(line, "\x00", 5)
		if len(fields) != 5 {
			continue
		}
		name, objType, oid, peeled, subject := fields[0], fields[1], fields[2], fields[3], fields[4]
		switch {
		case strings.HasPrefix(name, "refs/heads/"):
			refs = append(refs, Ref{Name: strings.TrimPrefix(name, "refs/heads/"), Kind: RefBranch, CommitID: oid})
		case strings.HasPrefix(name, "refs/remotes/"):
			if strings.HasSuffix(name, "/HEAD") {
				continue
			}
			refs = append(refs, Ref{Name: strings.TrimPrefix(name, "refs/remotes/"), Kind: RefRemoteBranch, CommitID: oid})
		case strings.HasPrefix(name, "refs/tags/"):
			ref := Ref{Name: strings.TrimPrefix(name, "refs/tags/"), Kind: RefTag, CommitID: oid}
			if objType == "tag" {
				ref.CommitID = peeled
				ref.Message = subject
			}
			refs = append(refs, ref)
		}
	}
	return current, refs, nil
}

func (b *ExecBackend) Remotes(ctx context.Context, repo string) ([]Remote, error) {
	l, err := b.layout(ctx, repo)
	if err != nil {
		return nil, err
	}
	out, err := b.run(ctx, l.top, "config", "--get-regexp", `^remote\.`)
	if err != nil {
		if exitCode(err) == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parseRemoteConfig(out), nil
}

func parseRemoteConfig(out []byte) []Remote {
	byName := make(map[string]*Remote)
	var order []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		rest := strings.TrimPrefix(key, "remote.")
		dot := strings.LastIndex(rest, ".")
		if dot < 0 {
			continue
		}
		name, field := rest[:dot], rest[dot+1:]
		r, ok := byName[name]
		if !ok {
			r = &Remote{Name: name}
			byName[name] = r
			order = append(order, name)
		}
		switch field {
		case "url":
			r.URL = redactTokens(value)
		case "fetch":
			r.Fetch = append(r.Fetch, value)
		case "push":
			r.Push = append(r.Push, value)
		}
	}
	sort.Strings(order)
	remotes := make([]Remote, 0, len(order))
	for _, name := range order {
		remotes = append(remotes, *byName[name])
	}
	return remotes
}
