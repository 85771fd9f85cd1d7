package diff

// op is one step of an edit script. oldPos and newPos count the lines of
// each side consumed before this step.
type op struct {
	kind   LineType
	text   string
	oldPos int
	newPos int
}

// script aligns the two sides, trimming the common prefix and suffix before
// running LCS on what remains.
func (e *Engine) script(oldLines, newLines []string) []op {
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	ops := make([]op, 0, len(oldLines)+len(newLines))
	for i := 0; i < prefix; i++ {
		ops = append(ops, op{kind: Context, text: oldLines[i], oldPos: i, newPos: i})
	}

	a := oldLines[prefix : len(oldLines)-suffix]
	b := newLines[prefix : len(newLines)-suffix]
	ops = e.middle(ops, a, b, prefix, prefix)

	oldBase, newBase := len(oldLines)-suffix, len(newLines)-suffix
	for k := 0; k < suffix; k++ {
		ops = append(ops, op{kind: Context, text: oldLines[oldBase+k], oldPos: oldBase + k, newPos: newBase + k})
	}
	return ops
}

func (e *Engine) middle(ops []op, a, b []string, oldOff, newOff int) []op {
	n, m := len(a), len(b)
	if n == 0 || m == 0 || (n+1)*(m+1) > e.maxCells {
		for i := 0; i < n; i++ {
			ops = append(ops, op{kind: Deletion, text: a[i], oldPos: oldOff + i, newPos: newOff})
		}
		for j := 0; j < m; j++ {
			ops = append(ops, op{kind: Addition, text: b[j], oldPos: oldOff + n, newPos: newOff + j})
		}
		return ops
	}

	lcs := buildLCSMatrix(a, b)
	width := m + 1

	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && a[i] == b[j]:
			ops = append(ops, op{kind: Context, text: a[i], oldPos: oldOff + i, newPos: newOff + j})
			i++
			j++
		case j == m || (i < n && lcs[(i+1)*width+j] >= lcs[i*width+j+1]):
			ops = append(ops, op{kind: Deletion, text: a[i], oldPos: oldOff + i, newPos: newOff + j})
			i++
		default:
			ops = append(ops, op{kind: Addition, text: b[j], oldPos: oldOff + i, newPos: newOff + j})
			j++
		}
	}
	return ops
}

// buildLCSMatrix returns suffix LCS lengths: cell (i, j) holds the LCS of
// a[i:] and b[j:], stored row-major with width len(b)+1.
func buildLCSMatrix(a, b []string) []int32 {
	n, m := len(a), len(b)
	width := m + 1
	matrix := make([]int32, (n+1)*width)

	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				matrix[i*width+j] = matrix[(i+1)*width+j+1] + 1
			} else {
				matrix[i*width+j] = max(matrix[(i+1)*width+j], matrix[i*width+j+1])
			}
		}
	}

	return matrix
}

// group cuts the script into hunks, merging changes separated by at most
// twice the context length.
func (e *Engine) group(ops []op) []Hunk {
	var hunks []Hunk
	ctx := e.contextLines

	i := 0
	for i < len(ops) {
		if ops[i].kind == Context {
			i++
			continue
		}

		start := max(0, i-ctx)
		last := i
		j := i
		for j < len(ops) {
			if ops[j].kind != Context {
				last = j
				j++
				continue
			}
			k := j
			for k < len(ops) && ops[k].kind == Context {
				k++
			}
			if k < len(ops) && k-j <= 2*ctx {
				j = k
				continue
			}
			break
		}
		stop := min(len(ops), last+1+ctx)

		hunks = append(hunks, buildHunk(ops[start:stop]))
		i = stop
	}

	return hunks
}

func buildHunk(ops []op) Hunk {
	hunk := Hunk{Lines: make([]Line, 0, len(ops))}
	for _, o := range ops {
		line := Line{Type: o.kind, Content: o.text}
		switch o.kind {
		case Context:
			line.OldNum, line.NewNum = o.oldPos+1, o.newPos+1
			hunk.OldLines++
			hunk.NewLines++
		case Deletion:
			line.OldNum = o.oldPos + 1
			hunk.OldLines++
		case Addition:
			line.NewNum = o.newPos + 1
			hunk.NewLines++
		}
		hunk.Lines = append(hunk.Lines, line)
	}

	hunk.OldStart = ops[0].oldPos
	if hunk.OldLines > 0 {
		hunk.OldStart++
	}
	hunk.NewStart = ops[0].newPos
	if hunk.NewLines > 0 {
		hunk.NewStart++
	}
	return hunk
}
