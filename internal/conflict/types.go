// Package conflict extracts structured conflict regions from files that a
// rebase or merge left with version-control conflict markers.
package conflict

import (
	"errors"
	"strings"
)

// Marker prefixes written by git into conflicted files.
const (
	MarkerOurs   = "<<<<<<<"
	MarkerBase   = "|||||||"
	MarkerSep    = "======="
	MarkerTheirs = ">>>>>>>"
)

// DefaultContextLines is the number of surrounding lines captured on each
// side of a conflict region.
const DefaultContextLines = 3

// Parse errors.
var (
	ErrMalformedMarkers = errors.New("malformed conflict markers")
	ErrNoConflicts      = errors.New("no conflict markers found")
	ErrResolutionCount  = errors.New("resolution count does not match conflict count")
	ErrBinaryFile       = errors.New("binary file cannot be resolved textually")
)

// Conflict is one contiguous conflicting region inside one file.
type Conflict struct {
	FilePath string `json:"file_path"`
	Language string `json:"language"`
	Index    int    `json:"index"`

	// Side text keeps a newline after every line; "" is an empty side.
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
	// Base is set only for diff3-style markers.
	Base string `json:"base,omitempty"`

	OursLabel   string `json:"ours_label,omitempty"`
	TheirsLabel string `json:"theirs_label,omitempty"`

	Before []string `json:"before,omitempty"`
	After  []string `json:"after,omitempty"`

	// StartLine and EndLine are 1-indexed and point at the opening and
	// closing marker lines.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	Binary bool `json:"binary"`
}

// Text renders the region the way it appears in the file, markers included.
func (c *Conflict) Text() string {
	if c.Binary {
		return ""
	}
	s := MarkerOurs
	if c.OursLabel != "" {
		s += " " + c.OursLabel
	}
	s += "\n" + withNewline(c.Ours)
	if c.Base != "" {
		s += MarkerBase + "\n" + withNewline(c.Base)
	}
	s += MarkerSep + "\n" + withNewline(c.Theirs) + MarkerTheirs
	if c.TheirsLabel != "" {
		s += " " + c.TheirsLabel
	}
	return s
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// File groups the conflicts found in one file.
type File struct {
	Path      string     `json:"path"`
	Language  string     `json:"language"`
	Binary    bool       `json:"binary"`
	Conflicts []Conflict `json:"conflicts"`

	lines []string
}

// Content returns the original file content with markers.
func (f *File) Content() string {
	return joinLines(f.lines)
}

// Outside returns the file content with every conflict region removed.
// It is what both sides of the merge agree on.
func (f *File) Outside() string {
	if f.Binary {
		return ""
	}
	out := make([]string, 0, len(f.lines))
	next := 0
	for i := 0; i < len(f.lines); i++ {
		if next < len(f.Conflicts) && i == f.Conflicts[next].StartLine-1 {
			i = f.Conflicts[next].EndLine - 1
			next++
			continue
		}
		out = append(out, f.lines[i])
	}
	return joinLines(out)
}
