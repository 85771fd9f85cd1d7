package diff

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// ParseUnified reads the body of a single-file unified diff as printed by
// git diff. File headers before the first hunk are skipped.
func ParseUnified(text string) (*DiffResult, error) {
	result := &DiffResult{}
	var current *Hunk
	oldNum, newNum := 0, 0

	flush := func() {
		if current != nil {
			result.Hunks = append(result.Hunks, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := hunkHeader.FindStringSubmatch(line); m != nil {
			flush()
			current = &Hunk{
				OldStart: atoi(m[1]),
				OldLines: countOrOne(m[2]),
				NewStart: atoi(m[3]),
				NewLines: countOrOne(m[4]),
				Section:  strings.TrimSpace(m[5]),
			}
			oldNum, newNum = current.OldStart, current.NewStart
			continue
		}

		if current == nil {
			if strings.HasPrefix(line, "Binary files ") || line == "GIT binary patch" {
				result.Binary = true
			}
			continue
		}

		if line == "" {
			// Some tools strip the trailing space from empty context lines.
			line = " "
		}
		switch line[0] {
		case ' ':
			current.Lines = append(current.Lines, Line{Type: Context, Content: line[1:], OldNum: oldNum, NewNum: newNum})
			oldNum++
			newNum++
		case '-':
			current.Lines = append(current.Lines, Line{Type: Deletion, Content: line[1:], OldNum: oldNum})
			oldNum++
			result.Stats.Deletions++
		case '+':
			current.Lines = append(current.Lines, Line{Type: Addition, Content: line[1:], NewNum: newNum})
			newNum++
			result.Stats.Additions++
		case '\\':
			// "\ No newline at end of file"
		default:
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading diff: %w", err)
	}
	flush()

	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}
