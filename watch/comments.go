package watch

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// maxScanSize skips files too large to be hand-edited source.
const maxScanSize = 1 << 20

var aiComment = regexp.MustCompile(`(?i)(?:#|//|--|;+)\s*(ai!.*|.*\bai!)\s*$`)

// Comment is one "AI!" comment.
type Comment struct {
	Line int
	Text string
}

// ScanFile returns the "AI!" comments in path. Binary and oversized files
// yield none.
func ScanFile(path string) ([]Comment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() || info.Size() > maxScanSize {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if bytes.IndexByte(data, 0) >= 0 {
		return nil, nil
	}

	return ScanText(string(data)), nil
}

// ScanText returns the "AI!" comments in text. Line numbers start at 1.
func ScanText(text string) []Comment {
	var out []Comment

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)

	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if aiComment.MatchString(line) {
			out = append(out, Comment{Line: n, Text: strings.TrimSpace(line)})
		}
	}

	return out
}

// BuildPrompt renders the prompt for the collected comments. Keys of
// comments are paths relative to the base directory, listed in order.
func BuildPrompt(order []string, comments map[string][]Comment) string {
	var sb strings.Builder

	sb.WriteString("The \"AI\" comments below can be found in the code files I've shared with you.\n")
	sb.WriteString("They contain instructions for changes to make.\n")
	sb.WriteString("Make the requested changes.\n")
	sb.WriteString("Be sure to remove all these \"AI\" comments from the code!\n")

	for _, path := range order {
		fmt.Fprintf(&sb, "\n%s:\n", path)

		for _, c := range comments[path] {
			fmt.Fprintf(&sb, "%4d│ %s\n", c.Line, c.Text)
		}
	}

	return sb.String()
}
