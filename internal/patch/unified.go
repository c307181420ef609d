package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Hunk is one unified-diff hunk. Lines keep their leading marker
// (' ', '+', '-').
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldLines int      `json:"old_lines"`
	NewStart int      `json:"new_start"`
	NewLines int      `json:"new_lines"`
	Lines    []string `json:"lines"`
}

func (h Hunk) counts() (adds, dels int) {
	for _, l := range h.Lines {
		if l == "" {
			continue
		}
		switch l[0] {
		case '+':
			adds++
		case '-':
			dels++
		}
	}
	return adds, dels
}

// blocks returns the hunk's before and after line sets with markers
// stripped. "\ No newline" records are skipped.
func (h Hunk) blocks() (old, new []string) {
	for _, l := range h.Lines {
		if l == "" {
			old = append(old, "")
			new = append(new, "")
			continue
		}
		switch l[0] {
		case ' ':
			old = append(old, l[1:])
			new = append(new, l[1:])
		case '-':
			old = append(old, l[1:])
		case '+':
			new = append(new, l[1:])
		case '\\':
			// no-newline marker
		}
	}
	return old, new
}

// ConflictError reports a hunk that no longer fits the file it targets.
type ConflictError struct {
	Path      string
	HunkIndex int
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %s: hunk %d %s", e.Path, e.HunkIndex+1, e.Reason)
}

var hunkHeaderRE = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

const devNull = "/dev/null"

// ParseUnifiedDiff converts unified diff text into ordered operations. File
// creations become OpCreate with full content; removals become OpDelete with
// the recorded hunks; everything else is OpModify.
func ParseUnifiedDiff(text string) ([]Operation, error) {
	lines := strings.Split(text, "\n")
	var ops []Operation

	i := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "--- ") {
			i++
			continue
		}
		oldPath := parseDiffPath(strings.TrimPrefix(line, "--- "))
		if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
			return nil, fmt.Errorf("diff line %d: missing +++ after ---", i+1)
		}
		newPath := parseDiffPath(strings.TrimPrefix(lines[i+1], "+++ "))
		i += 2

		var hunks []Hunk
		for i < len(lines) {
			m := hunkHeaderRE.FindStringSubmatch(lines[i])
			if m == nil {
				break
			}
			h := Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldLines: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewLines: atoiDefault(m[4], 1),
			}
			i++
			// Consume exactly the declared body. Counting beats sniffing:
			// removed lines may themselves start with "--- ".
			oldRemain, newRemain := h.OldLines, h.NewLines
			for i < len(lines) && (oldRemain > 0 || newRemain > 0) {
				l := lines[i]
				if l == "" {
					// Context line whose marker was trimmed in transit.
					l = " "
				}
				switch l[0] {
				case ' ':
					oldRemain--
					newRemain--
				case '-':
					oldRemain--
				case '+':
					newRemain--
				case '\\':
					// no-newline marker, costs nothing
				default:
					return nil, fmt.Errorf("diff line %d: unexpected %q inside hunk", i+1, lines[i])
				}
				h.Lines = append(h.Lines, l)
				i++
			}
			if oldRemain > 0 || newRemain > 0 {
				return nil, fmt.Errorf("diff hunk at -%d,+%d is truncated", h.OldStart, h.NewStart)
			}
			// Trailing no-newline marker belongs to this hunk.
			if i < len(lines) && strings.HasPrefix(lines[i], "\\") {
				h.Lines = append(h.Lines, lines[i])
				i++
			}
			hunks = append(hunks, h)
		}
		if len(hunks) == 0 {
			return nil, fmt.Errorf("diff for %s has no hunks", firstNonNull(newPath, oldPath))
		}

		switch {
		case oldPath == devNull && newPath == devNull:
			return nil, fmt.Errorf("diff section with both sides /dev/null")
		case oldPath == devNull:
			var content strings.Builder
			for _, h := range hunks {
				_, added := h.blocks()
				for _, l := range added {
					content.WriteString(l)
					content.WriteString("\n")
				}
			}
			ops = append(ops, Operation{Op: OpCreate, Path: newPath, Content: content.String()})
		case newPath == devNull:
			ops = append(ops, Operation{Op: OpDelete, Path: oldPath, Hunks: hunks})
		default:
			ops = append(ops, Operation{Op: OpModify, Path: newPath, Hunks: hunks})
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("no file sections found in diff")
	}
	return ops, nil
}

func parseDiffPath(s string) string {
	s = strings.TrimSpace(s)
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	if s == devNull {
		return devNull
	}
	s = strings.TrimPrefix(s, "a/")
	s = strings.TrimPrefix(s, "b/")
	return s
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func firstNonNull(vals ...string) string {
	for _, v := range vals {
		if v != "" && v != devNull {
			return v
		}
	}
	return ""
}

// ApplyHunks applies ordered hunks to original content. Hunks are anchored
// at their stated positions first; when the context does not match there,
// the before-block is searched for exactly one occurrence at or past the
// previous hunk's end. Anything else is a conflict.
func ApplyHunks(path, original string, hunks []Hunk) (string, error) {
	lines, hadTrailingNewline := splitKeepState(original)
	var out []string
	cursor := 0

	for i, h := range hunks {
		oldBlock, newBlock := h.blocks()
		pos := h.OldStart - 1
		if h.OldLines == 0 {
			// Pure insertion: OldStart names the line the insertion follows.
			pos = h.OldStart
		}
		if pos < cursor || pos > len(lines) || !matchAt(lines, pos, oldBlock) {
			found, ambiguous := findUnique(lines, cursor, oldBlock)
			if ambiguous {
				return "", &ConflictError{Path: path, HunkIndex: i, Reason: "matches more than one location"}
			}
			if found < 0 {
				return "", &ConflictError{Path: path, HunkIndex: i, Reason: "context not found"}
			}
			pos = found
		}
		out = append(out, lines[cursor:pos]...)
		out = append(out, newBlock...)
		cursor = pos + len(oldBlock)
	}
	out = append(out, lines[cursor:]...)

	result := strings.Join(out, "\n")
	if hadTrailingNewline && result != "" {
		result += "\n"
	}
	return result, nil
}

func splitKeepState(content string) ([]string, bool) {
	if content == "" {
		return nil, true
	}
	trailing := strings.HasSuffix(content, "\n")
	if trailing {
		content = strings.TrimSuffix(content, "\n")
	}
	return strings.Split(content, "\n"), trailing
}

func matchAt(lines []string, pos int, block []string) bool {
	if pos < 0 || pos+len(block) > len(lines) {
		return false
	}
	for i, b := range block {
		if lines[pos+i] != b {
			return false
		}
	}
	return true
}

// findUnique locates block in lines at or after from. The second return is
// true when the block matches more than once.
func findUnique(lines []string, from int, block []string) (int, bool) {
	if len(block) == 0 {
		return -1, false
	}
	found := -1
	for i := from; i+len(block) <= len(lines); i++ {
		if matchAt(lines, i, block) {
			if found >= 0 {
				return -1, true
			}
			found = i
		}
	}
	return found, false
}
