// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
	"strings"
)

// Line represents a single line in a diff with its type and content.
// OldNum and NewNum are 1-based; zero means the line has no side there.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

func (t LineType) String() string {
	switch t {
	case Addition:
		return "addition"
	case Deletion:
		return "deletion"
	default:
		return "context"
	}
}

// Stats counts changed lines
type Stats struct {
	Additions int
	Deletions int
	Changes   int
}

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks  []Hunk
	Binary bool
	Stats  Stats
}

// Hunk represents a continuous section of changes with surrounding context
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	// Section is the text git prints after the range, usually the enclosing function
	Section string
	Lines   []Line
}

// Header renders the hunk's "@@ -a,b +c,d @@" line
func (h Hunk) Header() string {
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
	// maxCells caps the LCS table; larger inputs fall back to a replace-all script
	maxCells int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	return &Engine{
		contextLines: contextLines,
		maxCells:     4 << 20,
	}
}

// binaryProbe mirrors git's heuristic: a NUL in the first 8000 bytes
const binaryProbe = 8000

func IsBinary(content []byte) bool {
	probe := content
	if len(probe) > binaryProbe {
		probe = probe[:binaryProbe]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) *DiffResult {
	if IsBinary(oldContent) || IsBinary(newContent) {
		return &DiffResult{Binary: true}
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	result := &DiffResult{
		Hunks: e.group(e.script(oldLines, newLines)),
	}

	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				result.Stats.Additions++
			case Deletion:
				result.Stats.Deletions++
			}
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
}

// Format returns a unified-diff rendering of the result
func (r *DiffResult) Format() string {
	if r.Binary {
		return "Binary files differ\n"
	}

	var buf bytes.Buffer
	for _, hunk := range r.Hunks {
		buf.WriteString(hunk.Header())
		buf.WriteByte('\n')

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteByte('+')
			case Deletion:
				buf.WriteByte('-')
			case Context:
				buf.WriteByte(' ')
			}
			buf.WriteString(line.Content)
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}
