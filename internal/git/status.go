package git

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"repolens/internal/fingerprint"
)

// StatusEntry is one porcelain v1 record: X is the index column, Y the
// worktree column. OrigPath is set for renames and copies.
type StatusEntry struct {
	Path     string
	OrigPath string
	X        byte
	Y        byte
}

type Status struct {
	Branch  string
	Head    string
	Entries []StatusEntry
}

func (s *Status) Dirty() bool {
	return len(s.Entries) > 0
}

// parsePorcelain reads `git status --porcelain=v1 -z` output.
func parsePorcelain(out []byte) []StatusEntry {
	fields := bytes.Split(out, []byte{0})
	var entries []StatusEntry
	for i := 0; i < len(fields); i++ {
		field := fields[i]
		if len(field) < 4 {
			continue
		}
		e := StatusEntry{X: field[0], Y: field[1], Path: string(field[3:])}
		if (e.X == 'R' || e.X == 'C') && i+1 < len(fields) {
			e.OrigPath = string(fields[i+1])
			i++
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries []StatusEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

// stampWorktree hashes the dirty entries together with the on-disk size and
// mtime of each path, so edits to an already dirty file change the stamp.
func stampWorktree(root string, entries []StatusEntry) uint64 {
	if len(entries) == 0 {
		return 0
	}
	h := fingerprint.NewHasher()
	for _, e := range entries {
		h.String(e.Path).String(e.OrigPath).Uint64(uint64(e.X)<<8 | uint64(e.Y))
		info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(e.Path)))
		if err != nil {
			h.Int64(-1)
			continue
		}
		h.Int64(info.Size()).Int64(info.ModTime().UnixNano()).Uint64(uint64(info.Mode()))
	}
	return h.Sum()
}

// statStamp folds a file's size and mtime into h; missing files hash as -1.
func statStamp(h *fingerprint.Hasher, path string) {
	info, err := os.Stat(path)
	if err != nil {
		h.Int64(-1)
		return
	}
	h.Int64(info.Size()).Int64(info.ModTime().UnixNano())
}

// ParseRange splits "a..b" into include/exclude revisions. An empty side
// defaults to HEAD; a plain revision includes just itself.
func ParseRange(spec string) (include, exclude []string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return []string{"HEAD"}, nil
	}
	if from, to, ok := strings.Cut(spec, ".."); ok {
		if from == "" {
			from = "HEAD"
		}
		if to == "" {
			to = "HEAD"
		}
		return []string{to}, []string{from}
	}
	return []string{spec}, nil
}
