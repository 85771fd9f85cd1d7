// Package gittest provides an in-memory git.Backend for tests. Repositories
// are built with WriteFile/Commit/Branch/Tag helpers and every backend call
// can be counted, failed or blocked.
package gittest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"repolens/internal/diff"
	"repolens/internal/fingerprint"
	"repolens/internal/git"
)

// Operation names used by Calls, Block and FailNext.
const (
	OpFingerprint = "fingerprint"
	OpStatus      = "status"
	OpResolve     = "resolve"
	OpLog         = "log"
	OpCommit      = "commit"
	OpDiffSummary = "diff_summary"
	OpDiffFile    = "diff_file"
	OpBlame       = "blame"
	OpRefs        = "refs"
	OpRemotes     = "remotes"
)

type commit struct {
	git.Commit
	tree map[string]string
}

type tag struct {
	target  string
	message string
}

// Repo is one in-memory repository. Mutators are safe to call while the
// backend serves requests.
type Repo struct {
	b        *Backend
	commits  map[string]*commit
	branches map[string]string
	remoteBr map[string]string
	tags     map[string]tag
	current  string
	files    map[string]string
	remotes  []git.Remote
	clock    int64
}

type Backend struct {
	mu     sync.Mutex
	repos  map[string]*Repo
	calls  map[string]int
	fails  map[string]error
	blocks map[string]*gate
}

type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

var _ git.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		repos:  make(map[string]*Repo),
		calls:  make(map[string]int),
		fails:  make(map[string]error),
		blocks: make(map[string]*gate),
	}
}

func (b *Backend) Name() string { return "memory" }

// Init creates an empty repository on branch main at path.
func (b *Backend) Init(path string) *Repo {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &Repo{
		b:        b,
		commits:  make(map[string]*commit),
		branches: make(map[string]string),
		remoteBr: make(map[string]string),
		tags:     make(map[string]tag),
		current:  "main",
		files:    make(map[string]string),
		clock:    1700000000,
	}
	b.repos[path] = r
	return r
}

// Calls reports how many times op ran.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// FailNext makes the next call of op return err.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails[op] = err
}

// Block holds every call of op until release is called or the caller's
// context ends. entered is closed when the first call arrives.
func (b *Backend) Block(op string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	b.mu.Lock()
	b.blocks[op] = g
	b.mu.Unlock()
	return g.entered, func() {
		b.mu.Lock()
		if b.blocks[op] == g {
			delete(b.blocks, op)
		}
		b.mu.Unlock()
		close(g.release)
	}
}

func (b *Backend) enter(ctx context.Context, op, path string) (*Repo, error) {
	b.mu.Lock()
	b.calls[op]++
	err := b.fails[op]
	delete(b.fails, op)
	g := b.blocks[op]
	r := b.repos[path]
	b.mu.Unlock()

	if g != nil {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", git.ErrRepoNotFound, path)
	}
	return r, nil
}

// WriteFile sets the content of a worktree file.
func (r *Repo) WriteFile(path, content string) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.files[path] = content
	return r
}

func (r *Repo) RemoveFile(path string) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	delete(r.files, path)
	return r
}

// Commit snapshots the worktree onto the current branch and returns the id.
func (r *Repo) Commit(message string, parents ...string) string {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if len(parents) == 0 {
		if head := r.branches[r.current]; head != "" {
			parents = []string{head}
		}
	}
	r.clock += 60
	tree := make(map[string]string, len(r.files))
	for p, c := range r.files {
		tree[p] = c
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%d", message, strings.Join(parents, ","), r.clock, len(r.commits))))
	id := hex.EncodeToString(sum[:])
	r.commits[id] = &commit{
		Commit: git.Commit{
			ID:          id,
			Parents:     parents,
			AuthorName:  "Test Author",
			AuthorEmail: "test@example.com",
			Time:        r.clock,
			Message:     message,
		},
		tree: tree,
	}
	r.branches[r.current] = id
	return id
}

// Branch points name at target, creating it if needed.
func (r *Repo) Branch(name, target string) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.branches[name] = target
	return r
}

// Checkout switches the current branch and resets the worktree to its tip.
func (r *Repo) Checkout(name string) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.current = name
	r.files = make(map[string]string)
	if c := r.commits[r.branches[name]]; c != nil {
		for p, content := range c.tree {
			r.files[p] = content
		}
	}
	return r
}

// RemoteBranch records a remote-tracking branch such as origin/main.
func (r *Repo) RemoteBranch(name, target string) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.remoteBr[name] = target
	return r
}

func (r *Repo) Tag(name, target, message string) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.tags[name] = tag{target: target, message: message}
	return r
}

func (r *Repo) AddRemote(remote git.Remote) *Repo {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.remotes = append(r.remotes, remote)
	return r
}

func (r *Repo) head() string {
	return r.branches[r.current]
}

func (r *Repo) headTree() map[string]string {
	if c := r.commits[r.head()]; c != nil {
		return c.tree
	}
	return nil
}

func (r *Repo) entries() []git.StatusEntry {
	tree := r.headTree()
	var entries []git.StatusEntry
	for p, content := range r.files {
		old, ok := tree[p]
		switch {
		case !ok:
			entries = append(entries, git.StatusEntry{Path: p, X: '?', Y: '?'})
		case old != content:
			entries = append(entries, git.StatusEntry{Path: p, X: ' ', Y: 'M'})
		}
	}
	for p := range tree {
		if _, ok := r.files[p]; !ok {
			entries = append(entries, git.StatusEntry{Path: p, X: ' ', Y: 'D'})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// resolve understands ids, id prefixes, HEAD, branches, tags and the ~N and
// ^ suffixes.
func (r *Repo) resolve(rev string) (string, error) {
	if rev == "" || strings.HasPrefix(rev, "-") {
		return "", fmt.Errorf("%w: %q", git.ErrRefNotFound, rev)
	}
	base, steps := rev, 0
	for {
		if strings.HasSuffix(base, "^") {
			base, steps = base[:len(base)-1], steps+1
			continue
		}
		if i := strings.LastIndex(base, "~"); i > 0 {
			n := 1
			if s := base[i+1:]; s != "" {
				v, err := strconv.Atoi(s)
				if err != nil {
					break
				}
				n = v
			}
			base, steps = base[:i], steps+n
			continue
		}
		break
	}

	var id string
	switch {
	case base == "HEAD":
		id = r.head()
	case r.branches[base] != "":
		id = r.branches[base]
	case r.tags[base].target != "":
		id = r.tags[base].target
	case r.commits[base] != nil:
		id = base
	case len(base) >= 4:
		for cid := range r.commits {
			if strings.HasPrefix(cid, base) {
				if id != "" {
					return "", fmt.Errorf("%w: ambiguous %s", git.ErrRefNotFound, rev)
				}
				id = cid
			}
		}
	}
	for ; id != "" && steps > 0; steps-- {
		parents := r.commits[id].Parents
		if len(parents) == 0 {
			id = ""
			break
		}
		id = parents[0]
	}
	if id == "" || r.commits[id] == nil {
		return "", fmt.Errorf("%w: %s", git.ErrRefNotFound, rev)
	}
	return id, nil
}

func (r *Repo) reachable(tips []string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), tips...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, r.commits[id].Parents...)
	}
	return seen
}

func (r *Repo) tree(rev string) (map[string]string, error) {
	if rev == git.EmptyTreeOID {
		return nil, nil
	}
	id, err := r.resolve(rev)
	if err != nil {
		return nil, err
	}
	return r.commits[id].tree, nil
}

// side returns the file set for a diff side; git.Worktree is the worktree.
func (r *Repo) side(rev string) (map[string]string, error) {
	if rev == git.Worktree {
		return r.files, nil
	}
	return r.tree(rev)
}

func (b *Backend) Fingerprint(ctx context.Context, path string) (fingerprint.Fingerprint, error) {
	r, err := b.enter(ctx, OpFingerprint, path)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fp := fingerprint.Fingerprint{HeadOID: r.head()}
	refs := fingerprint.NewHasher().String(r.current)
	for _, name := range sortedKeys(r.branches) {
		refs.String(name).String(r.branches[name])
	}
	for _, name := range sortedKeys(r.remoteBr) {
		refs.String(name).String(r.remoteBr[name])
	}
	for _, name := range sortedKeys(r.tags) {
		refs.String(name).String(r.tags[name].target)
	}
	fp.RefsHash = refs.Sum()

	if entries := r.entries(); len(entries) > 0 {
		fp.WorktreeDirty = true
		h := fingerprint.NewHasher()
		for _, e := range entries {
			h.String(e.Path).String(r.files[e.Path])
		}
		fp.WorktreeStamp = h.Sum()
	}
	return fp, nil
}

func (b *Backend) Status(ctx context.Context, path string) (*git.Status, error) {
	r, err := b.enter(ctx, OpStatus, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &git.Status{Branch: r.current, Head: r.head(), Entries: r.entries()}, nil
}

func (b *Backend) Resolve(ctx context.Context, path, rev string) (string, error) {
	r, err := b.enter(ctx, OpResolve, path)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.resolve(rev)
}

func (b *Backend) Log(ctx context.Context, path string, q git.LogQuery) ([]git.Commit, error) {
	r, err := b.enter(ctx, OpLog, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(q.Include) == 1 && q.Include[0] == "HEAD" && r.head() == "" {
		return nil, nil
	}
	resolveAll := func(revs []string) ([]string, error) {
		ids := make([]string, 0, len(revs))
		for _, rev := range revs {
			id, err := r.resolve(rev)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	include, err := resolveAll(q.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := resolveAll(q.Exclude)
	if err != nil {
		return nil, err
	}

	excluded := r.reachable(exclude)
	var commits []git.Commit
	for id := range r.reachable(include) {
		if !excluded[id] {
			commits = append(commits, r.commits[id].Commit)
		}
	}
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].Time != commits[j].Time {
			return commits[i].Time > commits[j].Time
		}
		return commits[i].ID > commits[j].ID
	})
	if q.Skip >= len(commits) {
		return nil, nil
	}
	commits = commits[q.Skip:]
	if q.Limit > 0 && len(commits) > q.Limit {
		commits = commits[:q.Limit]
	}
	return commits, nil
}

func (b *Backend) Commit(ctx context.Context, path, id string) (*git.Commit, error) {
	r, err := b.enter(ctx, OpCommit, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	full, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	c := r.commits[full].Commit
	return &c, nil
}

func (b *Backend) DiffSummary(ctx context.Context, path, from, to string) ([]git.FileChange, error) {
	r, err := b.enter(ctx, OpDiffSummary, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	oldTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	newTree, err := r.side(to)
	if err != nil {
		return nil, err
	}

	engine := diff.NewEngine(0)
	var changes []git.FileChange
	for _, p := range unionKeys(oldTree, newTree) {
		oldContent, inOld := oldTree[p]
		newContent, inNew := newTree[p]
		if to == git.Worktree && !inOld {
			if _, tracked := r.headTree()[p]; !tracked {
				continue
			}
		}
		fc := git.FileChange{Path: p}
		switch {
		case !inOld:
			fc.Kind = git.Added
		case !inNew:
			fc.Kind = git.Deleted
		case oldContent != newContent:
			fc.Kind = git.Modified
		default:
			continue
		}
		res := engine.Diff([]byte(oldContent), []byte(newContent))
		fc.Binary = res.Binary
		fc.Additions, fc.Deletions = res.Stats.Additions, res.Stats.Deletions
		changes = append(changes, fc)
	}
	return changes, nil
}

func (b *Backend) DiffFile(ctx context.Context, path, from, to string, change git.FileChange) (*diff.DiffResult, error) {
	r, err := b.enter(ctx, OpDiffFile, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	oldTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	newTree, err := r.side(to)
	if err != nil {
		return nil, err
	}
	oldPath := change.Path
	if change.OldPath != "" {
		oldPath = change.OldPath
	}
	return diff.NewEngine(3).Diff([]byte(oldTree[oldPath]), []byte(newTree[change.Path])), nil
}

// Blame attributes each line to the oldest first-parent ancestor that
// still contains the same text without interruption.
func (b *Backend) Blame(ctx context.Context, path, rev, file string) ([]git.BlameLine, error) {
	r, err := b.enter(ctx, OpBlame, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if rev == "" {
		rev = "HEAD"
	}
	id, err := r.resolve(rev)
	if err != nil {
		return nil, err
	}
	content, ok := r.commits[id].tree[file]
	if !ok {
		return nil, fmt.Errorf("%w: %s", git.ErrPathNotFound, file)
	}

	lines := strings.SplitAfter(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	out := make([]git.BlameLine, 0, len(lines))
	for i, line := range lines {
		owner := id
		for {
			parents := r.commits[owner].Parents
			if len(parents) == 0 {
				break
			}
			prev, ok := r.commits[parents[0]].tree[file]
			if !ok || !strings.Contains(prev, line) {
				break
			}
			owner = parents[0]
		}
		c := r.commits[owner]
		out = append(out, git.BlameLine{
			LineNumber:  i + 1,
			CommitID:    owner,
			AuthorName:  c.AuthorName,
			AuthorEmail: c.AuthorEmail,
			Content:     strings.TrimSuffix(line, "\n"),
		})
	}
	return out, nil
}

func (b *Backend) Refs(ctx context.Context, path string) (string, []git.Ref, error) {
	r, err := b.enter(ctx, OpRefs, path)
	if err != nil {
		return "", nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var refs []git.Ref
	for _, name := range sortedKeys(r.branches) {
		refs = append(refs, git.Ref{Name: name, Kind: git.RefBranch, CommitID: r.branches[name]})
	}
	for _, name := range sortedKeys(r.remoteBr) {
		refs = append(refs, git.Ref{Name: name, Kind: git.RefRemoteBranch, CommitID: r.remoteBr[name]})
	}
	for _, name := range sortedKeys(r.tags) {
		t := r.tags[name]
		refs = append(refs, git.Ref{Name: name, Kind: git.RefTag, CommitID: t.target, Message: t.message})
	}
	return r.current, refs, nil
}

func (b *Backend) Remotes(ctx context.Context, path string) ([]git.Remote, error) {
	r, err := b.enter(ctx, OpRemotes, path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]git.Remote(nil), r.remotes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionKeys(a, b map[string]string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	return sortedKeys(seen)
}
