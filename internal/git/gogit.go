package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"repolens/internal/diff"
	"repolens/internal/fingerprint"

	"github.com/go-git/go-billy/v5"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	lru "github.com/hashicorp/golang-lru/v2"
)

type openRepo struct {
	repo *gogit.Repository
	// go-git worktree status rebuilds index state and is not safe to run
	// concurrently on one repository.
	mu sync.Mutex
}

// GoGitBackend reads repositories in process through go-git.
type GoGitBackend struct {
	repos *lru.Cache[string, *openRepo]
	open  sync.Mutex
}

func NewGoGitBackend(size int) (*GoGitBackend, error) {
	if size <= 0 {
		size = 16
	}
	repos, err := lru.New[string, *openRepo](size)
	if err != nil {
		return nil, fmt.Errorf("creating repository cache: %w", err)
	}
	return &GoGitBackend{repos: repos}, nil
}

func (b *GoGitBackend) Name() string { return "gogit" }

func (b *GoGitBackend) get(repo string) (*openRepo, error) {
	if r, ok := b.repos.Get(repo); ok {
		return r, nil
	}
	b.open.Lock()
	defer b.open.Unlock()
	if r, ok := b.repos.Get(repo); ok {
		return r, nil
	}
	if info, err := os.Stat(repo); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, repo)
	}
	r, err := gogit.PlainOpenWithOptions(repo, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, classifyGoGit(err)
	}
	if _, err := r.Worktree(); err != nil {
		return nil, fmt.Errorf("%w: %s has no working tree", ErrRepoNotFound, repo)
	}
	opened := &openRepo{repo: r}
	b.repos.Add(repo, opened)
	return opened, nil
}

// with runs fn holding the repository lock.
func (b *GoGitBackend) with(ctx context.Context, repo string, fn func(r *gogit.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	o, err := b.get(repo)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := fn(o.repo); err != nil {
		return classifyGoGit(err)
	}
	return nil
}

func classifyGoGit(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRepoNotFound), errors.Is(err, ErrRefNotFound), errors.Is(err, ErrPathNotFound):
		return err
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		return fmt.Errorf("%w: %v", ErrRepoNotFound, err)
	case errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, plumbing.ErrObjectNotFound):
		return fmt.Errorf("%w: %v", ErrRefNotFound, err)
	case errors.Is(err, object.ErrFileNotFound),
		errors.Is(err, object.ErrDirectoryNotFound),
		errors.Is(err, object.ErrEntryNotFound):
		return fmt.Errorf("%w: %v", ErrPathNotFound, err)
	}
	return err
}

func headOID(r *gogit.Repository) (string, error) {
	head, err := r.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

func currentBranch(r *gogit.Repository) (string, error) {
	head, err := r.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", err
	}
	if head.Type() == plumbing.SymbolicReference && head.Target().IsBranch() {
		return head.Target().Short(), nil
	}
	return "", nil
}

func worktreeEntries(r *gogit.Repository) ([]StatusEntry, billy.Filesystem, error) {
	wt, err := r.Worktree()
	if err != nil {
		return nil, nil, err
	}
	st, err := wt.Status()
	if err != nil {
		return nil, nil, err
	}
	entries := make([]StatusEntry, 0, len(st))
	for p, fs := range st {
		if fs.Staging == gogit.Unmodified && fs.Worktree == gogit.Unmodified {
			continue
		}
		e := StatusEntry{Path: p, X: byte(fs.Staging), Y: byte(fs.Worktree)}
		if fs.Staging == gogit.Renamed || fs.Staging == gogit.Copied {
			e.OrigPath = fs.Extra
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, wt.Filesystem, nil
}

// refLines lists every reference as "<target> <name>", sorted.
func refLines(iter storer.ReferenceIter) ([]string, error) {
	defer iter.Close()
	var lines []string
	err := iter.ForEach(func(ref *plumbing.Reference) error {
		lines = append(lines, ref.String())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	sort.Strings(lines)
	return lines, nil
}

func (b *GoGitBackend) Fingerprint(ctx context.Context, repo string) (fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		var err error
		if fp.HeadOID, err = headOID(r); err != nil {
			return err
		}

		refs := fingerprint.NewHasher()
		if head, err := r.Reference(plumbing.HEAD, false); err == nil {
			refs.String(head.String())
		}
		iter, err := r.References()
		if err != nil {
			return err
		}
		lines, err := refLines(iter)
		if err != nil {
			return err
		}
		for _, l := range lines {
			refs.String(l)
		}
		fp.RefsHash = refs.Sum()

		index := fingerprint.NewHasher()
		if dotGit, ok := r.Storer.(interface{ Filesystem() billy.Filesystem }); ok {
			if info, err := dotGit.Filesystem().Stat("index"); err == nil {
				index.Int64(info.Size()).Int64(info.ModTime().UnixNano())
			} else {
				index.Int64(-1)
			}
		}
		fp.IndexStateHash = index.Sum()

		entries, fs, err := worktreeEntries(r)
		if err != nil {
			return err
		}
		fp.WorktreeDirty = len(entries) > 0
		fp.WorktreeStamp = stampWorktree(fs.Root(), entries)
		return nil
	})
	return fp, err
}

func (b *GoGitBackend) Status(ctx context.Context, repo string) (*Status, error) {
	st := &Status{}
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		var err error
		if st.Branch, err = currentBranch(r); err != nil {
			return err
		}
		if st.Head, err = headOID(r); err != nil {
			return err
		}
		st.Entries, _, err = worktreeEntries(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func resolveCommit(r *gogit.Repository, rev string) (*object.Commit, error) {
	if rev == "" || strings.HasPrefix(rev, "-") {
		return nil, fmt.Errorf("%w: %q", ErrRefNotFound, rev)
	}
	hash, err := r.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, rev)
	}
	c, err := r.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, rev)
	}
	return c, nil
}

func (b *GoGitBackend) Resolve(ctx context.Context, repo, rev string) (string, error) {
	var id string
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		c, err := resolveCommit(r, rev)
		if err != nil {
			return err
		}
		id = c.Hash.String()
		return nil
	})
	return id, err
}

func toCommit(c *object.Commit) Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return Commit{
		ID:          c.Hash.String(),
		Parents:     parents,
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		Time:        c.Author.When.Unix(),
		Message:     strings.TrimRight(c.Message, "\n"),
	}
}

var errStopWalk = errors.New("stop walk")

func (b *GoGitBackend) Log(ctx context.Context, repo string, q LogQuery) ([]Commit, error) {
	var commits []Commit
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		if len(q.Include) == 1 && q.Include[0] == "HEAD" {
			if oid, err := headOID(r); err != nil || oid == "" {
				return err
			}
		}
		excluded := make(map[plumbing.Hash]bool)
		for _, rev := range q.Exclude {
			c, err := resolveCommit(r, rev)
			if err != nil {
				return err
			}
			seen := make(map[plumbing.Hash]bool)
			err = object.NewCommitPreorderIter(c, seen, nil).ForEach(func(c *object.Commit) error {
				excluded[c.Hash] = true
				return ctx.Err()
			})
			if err != nil {
				return err
			}
		}

		var starts []*object.Commit
		for _, rev := range q.Include {
			c, err := resolveCommit(r, rev)
			if err != nil {
				return err
			}
			starts = append(starts, c)
		}
		if len(starts) == 0 {
			return nil
		}

		// Walk each tip by commit time, skipping anything reachable from an
		// exclusion. Multiple tips are merged on the way out.
		seen := make(map[plumbing.Hash]bool)
		var all []*object.Commit
		for _, start := range starts {
			if excluded[start.Hash] {
				continue
			}
			err := object.NewCommitIterCTime(start, excluded, nil).ForEach(func(c *object.Commit) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if seen[c.Hash] {
					return nil
				}
				seen[c.Hash] = true
				all = append(all, c)
				if len(starts) == 1 && q.Limit > 0 && len(all) >= q.Skip+q.Limit {
					return errStopWalk
				}
				return nil
			})
			if err != nil && !errors.Is(err, errStopWalk) {
				return err
			}
		}
		if len(starts) > 1 {
			sort.SliceStable(all, func(i, j int) bool {
				return all[i].Committer.When.After(all[j].Committer.When)
			})
		}

		if q.Skip >= len(all) {
			return nil
		}
		all = all[q.Skip:]
		if q.Limit > 0 && len(all) > q.Limit {
			all = all[:q.Limit]
		}
		for _, c := range all {
			commits = append(commits, toCommit(c))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	return commits, nil
}

func (b *GoGitBackend) Commit(ctx context.Context, repo, id string) (*Commit, error) {
	var out *Commit
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		c, err := resolveCommit(r, id)
		if err != nil {
			return err
		}
		commit := toCommit(c)
		out = &commit
		return nil
	})
	return out, err
}

// treeAt returns the tree of rev; the empty tree id yields nil.
func treeAt(r *gogit.Repository, rev string) (*object.Tree, error) {
	if rev == EmptyTreeOID {
		return nil, nil
	}
	c, err := resolveCommit(r, rev)
	if err != nil {
		return nil, err
	}
	return c.Tree()
}

func blobAt(tree *object.Tree, p string) ([]byte, bool, error) {
	if tree == nil || p == "" {
		return nil, false, nil
	}
	f, err := tree.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, false, err
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	return data, true, err
}

func readWorktree(fs billy.Filesystem, p string) ([]byte, bool, error) {
	f, err := fs.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, true, err
}

func (b *GoGitBackend) DiffSummary(ctx context.Context, repo, from, to string) ([]FileChange, error) {
	var out []FileChange
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		fromTree, err := treeAt(r, from)
		if err != nil {
			return err
		}
		if to == Worktree {
			out, err = worktreeChanges(ctx, r, fromTree)
			return err
		}
		toTree, err := treeAt(r, to)
		if err != nil {
			return err
		}
		out, err = treeChanges(ctx, fromTree, toTree)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func treeChanges(ctx context.Context, fromTree, toTree *object.Tree) ([]FileChange, error) {
	opts := object.DefaultDiffTreeOptions
	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, opts)
	if err != nil {
		return nil, err
	}
	out := make([]FileChange, 0, len(changes))
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, err
		}
		fc := FileChange{Path: ch.To.Name}
		switch action {
		case merkletrie.Insert:
			fc.Kind = Added
		case merkletrie.Delete:
			fc.Kind, fc.Path = Deleted, ch.From.Name
		default:
			fc.Kind = Modified
			if ch.From.Name != ch.To.Name {
				fc.Kind, fc.OldPath = Renamed, ch.From.Name
			}
		}
		patch, err := ch.PatchContext(ctx)
		if err != nil {
			return nil, err
		}
		for _, fp := range patch.FilePatches() {
			if fp.IsBinary() {
				fc.Binary = true
			}
		}
		if !fc.Binary {
			for _, s := range patch.Stats() {
				fc.Additions += s.Addition
				fc.Deletions += s.Deletion
			}
		}
		out = append(out, fc)
	}
	return out, nil
}

// worktreeChanges compares fromTree with the files on disk. Candidates are
// paths that differ between fromTree and HEAD plus tracked paths go-git
// reports as changed; untracked files are left out. Renames are not detected.
func worktreeChanges(ctx context.Context, r *gogit.Repository, fromTree *object.Tree) ([]FileChange, error) {
	candidates := make(map[string]bool)

	var headTree *object.Tree
	if oid, err := headOID(r); err != nil {
		return nil, err
	} else if oid != "" {
		if headTree, err = treeAt(r, oid); err != nil {
			return nil, err
		}
	}
	if fromTree != headTree {
		changes, err := object.DiffTreeWithOptions(ctx, fromTree, headTree, nil)
		if err != nil {
			return nil, err
		}
		for _, ch := range changes {
			if ch.From.Name != "" {
				candidates[ch.From.Name] = true
			}
			if ch.To.Name != "" {
				candidates[ch.To.Name] = true
			}
		}
	}

	entries, fs, err := worktreeEntries(r)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.X == byte(gogit.Untracked) {
			continue
		}
		candidates[e.Path] = true
		if e.OrigPath != "" {
			candidates[e.OrigPath] = true
		}
	}

	engine := diff.NewEngine(0)
	var out []FileChange
	for p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		oldData, inOld, err := blobAt(fromTree, p)
		if err != nil {
			return nil, err
		}
		newData, onDisk, err := readWorktree(fs, p)
		if err != nil {
			return nil, err
		}
		fc := FileChange{Path: p}
		switch {
		case !inOld && !onDisk:
			continue
		case !inOld:
			fc.Kind = Added
		case !onDisk:
			fc.Kind = Deleted
		default:
			if bytes.Equal(oldData, newData) {
				continue
			}
			fc.Kind = Modified
		}
		res := engine.Diff(oldData, newData)
		fc.Binary = res.Binary
		fc.Additions, fc.Deletions = res.Stats.Additions, res.Stats.Deletions
		out = append(out, fc)
	}
	return out, nil
}

func (b *GoGitBackend) DiffFile(ctx context.Context, repo, from, to string, change FileChange) (*diff.DiffResult, error) {
	var res *diff.DiffResult
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		fromTree, err := treeAt(r, from)
		if err != nil {
			return err
		}
		oldPath := change.Path
		if change.OldPath != "" {
			oldPath = change.OldPath
		}
		oldData, _, err := blobAt(fromTree, oldPath)
		if err != nil {
			return err
		}

		var newData []byte
		if to == Worktree {
			wt, err := r.Worktree()
			if err != nil {
				return err
			}
			if newData, _, err = readWorktree(wt.Filesystem, change.Path); err != nil {
				return err
			}
		} else {
			toTree, err := treeAt(r, to)
			if err != nil {
				return err
			}
			if newData, _, err = blobAt(toTree, change.Path); err != nil {
				return err
			}
		}
		res = diff.NewEngine(3).Diff(oldData, newData)
		return nil
	})
	return res, err
}

func (b *GoGitBackend) Blame(ctx context.Context, repo, rev, p string) ([]BlameLine, error) {
	var lines []BlameLine
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		if rev == "" {
			rev = "HEAD"
		}
		c, err := resolveCommit(r, rev)
		if err != nil {
			return err
		}
		if _, err := c.File(path.Clean(p)); err != nil {
			return fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		res, err := gogit.Blame(c, path.Clean(p))
		if err != nil {
			return err
		}
		lines = make([]BlameLine, 0, len(res.Lines))
		for i, l := range res.Lines {
			lines = append(lines, BlameLine{
				LineNumber:  i + 1,
				CommitID:    l.Hash.String(),
				AuthorName:  l.AuthorName,
				AuthorEmail: l.Author,
				Content:     l.Text,
			})
		}
		return nil
	})
	return lines, err
}

func (b *GoGitBackend) Refs(ctx context.Context, repo string) (string, []Ref, error) {
	var (
		current string
		refs    []Ref
	)
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		var err error
		if current, err = currentBranch(r); err != nil {
			return err
		}
		iter, err := r.References()
		if err != nil {
			return err
		}
		return iter.ForEach(func(ref *plumbing.Reference) error {
			if ref.Type() != plumbing.HashReference {
				return nil
			}
			name := ref.Name()
			switch {
			case name.IsBranch():
				refs = append(refs, Ref{Name: name.Short(), Kind: RefBranch, CommitID: ref.Hash().String()})
			case name.IsRemote():
				refs = append(refs, Ref{Name: name.Short(), Kind: RefRemoteBranch, CommitID: ref.Hash().String()})
			case name.IsTag():
				tag := Ref{Name: name.Short(), Kind: RefTag, CommitID: ref.Hash().String()}
				if obj, err := r.TagObject(ref.Hash()); err == nil {
					tag.Message, _, _ = strings.Cut(obj.Message, "\n")
					if c, err := obj.Commit(); err == nil {
						tag.CommitID = c.Hash.String()
					}
				}
				refs = append(refs, tag)
			}
			return nil
		})
	})
	if err != nil {
		return "", nil, err
	}
	return current, refs, nil
}

func (b *GoGitBackend) Remotes(ctx context.Context, repo string) ([]Remote, error) {
	var out []Remote
	err := b.with(ctx, repo, func(r *gogit.Repository) error {
		remotes, err := r.Remotes()
		if err != nil {
			return err
		}
		for _, rm := range remotes {
			cfg := rm.Config()
			remote := Remote{Name: cfg.Name}
			if len(cfg.URLs) > 0 {
				remote.URL = redactTokens(cfg.URLs[0])
			}
			for _, spec := range cfg.Fetch {
				remote.Fetch = append(remote.Fetch, spec.String())
			}
			out = append(out, remote)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
