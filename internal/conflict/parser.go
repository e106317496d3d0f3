package conflict

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// binarySniffLen mirrors git's own heuristic: a NUL byte in the first 8000
// bytes marks a file as binary.
const binarySniffLen = 8000

// Option configures Parse.
type Option func(*parseOptions)

type parseOptions struct {
	contextLines int
	language     string
	forceBinary  bool
}

// WithContextLines sets how many lines before and after each region are
// captured. Negative values are treated as zero.
func WithContextLines(n int) Option {
	return func(o *parseOptions) {
		if n < 0 {
			n = 0
		}
		o.contextLines = n
	}
}

// WithLanguage overrides extension-based language detection.
func WithLanguage(lang string) Option {
	return func(o *parseOptions) {
		o.language = lang
	}
}

// WithBinary marks the file as binary regardless of its content, for callers
// that already know (for example from git attributes).
func WithBinary(binary bool) Option {
	return func(o *parseOptions) {
		o.forceBinary = binary
	}
}

type parseState int

const (
	stateOutside parseState = iota
	stateOurs
	stateBase
	stateTheirs
)

// Parse extracts every conflict region from content.
//
// A binary file yields a single Conflict with Binary set and no text.
// A text file without markers returns ErrNoConflicts.
func Parse(path string, content []byte, opts ...Option) (*File, error) {
	o := parseOptions{contextLines: DefaultContextLines}
	for _, opt := range opts {
		opt(&o)
	}
	lang := o.language
	if lang == "" {
		lang = DetectLanguage(path)
	}

	if o.forceBinary || IsBinary(content) {
		return &File{
			Path:     path,
			Language: lang,
			Binary:   true,
			Conflicts: []Conflict{{
				FilePath: path,
				Language: lang,
				Binary:   true,
			}},
		}, nil
	}

	lines := splitLines(string(content))
	f := &File{Path: path, Language: lang, lines: lines}

	var (
		state              parseState
		cur                Conflict
		ours, base, theirs []string
	)
	lastRegionEnd := -1

	for i, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")
		switch state {
		case stateOutside:
			switch {
			case isMarker(line, MarkerOurs):
				cur = Conflict{
					FilePath:  path,
					Language:  lang,
					Index:     len(f.Conflicts),
					OursLabel: markerLabel(line, MarkerOurs),
					StartLine: i + 1,
					Before:    contextBefore(lines, i, lastRegionEnd, o.contextLines),
				}
				ours, base, theirs = nil, nil, nil
				state = stateOurs
			case isMarker(line, MarkerTheirs), isMarker(line, MarkerBase):
				// A bare separator outside a region is legal text (setext
				// headings); an orphan closer is not.
				return nil, fmt.Errorf("%w: %s line %d: marker outside conflict region", ErrMalformedMarkers, path, i+1)
			}
		case stateOurs:
			switch {
			case isMarker(line, MarkerBase):
				state = stateBase
			case line == MarkerSep:
				state = stateTheirs
			case isMarker(line, MarkerOurs), isMarker(line, MarkerTheirs):
				return nil, fmt.Errorf("%w: %s line %d: unexpected marker in ours section", ErrMalformedMarkers, path, i+1)
			default:
				ours = append(ours, raw)
			}
		case stateBase:
			switch {
			case line == MarkerSep:
				state = stateTheirs
			case isMarker(line, MarkerOurs), isMarker(line, MarkerTheirs):
				return nil, fmt.Errorf("%w: %s line %d: unexpected marker in base section", ErrMalformedMarkers, path, i+1)
			default:
				base = append(base, raw)
			}
		case stateTheirs:
			switch {
			case isMarker(line, MarkerTheirs):
				cur.TheirsLabel = markerLabel(line, MarkerTheirs)
				cur.EndLine = i + 1
				cur.Ours = joinSide(ours)
				cur.Base = joinSide(base)
				cur.Theirs = joinSide(theirs)
				f.Conflicts = append(f.Conflicts, cur)
				lastRegionEnd = i
				state = stateOutside
			case isMarker(line, MarkerOurs), line == MarkerSep:
				return nil, fmt.Errorf("%w: %s line %d: unexpected marker in theirs section", ErrMalformedMarkers, path, i+1)
			default:
				theirs = append(theirs, raw)
			}
		}
	}

	if state != stateOutside {
		return nil, fmt.Errorf("%w: %s line %d: unterminated conflict region", ErrMalformedMarkers, path, cur.StartLine)
	}
	if len(f.Conflicts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoConflicts, path)
	}

	for idx := range f.Conflicts {
		limit := len(lines)
		if idx+1 < len(f.Conflicts) {
			limit = f.Conflicts[idx+1].StartLine - 1
		}
		f.Conflicts[idx].After = contextAfter(lines, f.Conflicts[idx].EndLine, limit, o.contextLines)
	}

	return f, nil
}

// HasMarkers reports whether content contains a complete conflict opener
// and closer.
func HasMarkers(content []byte) bool {
	var open bool
	for _, raw := range splitLines(string(content)) {
		line := strings.TrimSuffix(raw, "\r")
		if isMarker(line, MarkerOurs) {
			open = true
		} else if open && isMarker(line, MarkerTheirs) {
			return true
		}
	}
	return false
}

// IsBinary reports whether content should be treated as binary.
func IsBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return true
	}
	if isTextual(mimetype.Detect(content)) {
		return false
	}
	return !utf8.Valid(sniff)
}

func isTextual(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") || m.Is("text/plain") {
			return true
		}
	}
	return false
}

// Apply replaces each conflict region with the matching resolution and
// returns the resulting file content. len(resolutions) must equal the number
// of conflicts.
func (f *File) Apply(resolutions []string) (string, error) {
	if f.Binary {
		return "", fmt.Errorf("%w: %s", ErrBinaryFile, f.Path)
	}
	if len(resolutions) != len(f.Conflicts) {
		return "", fmt.Errorf("%w: %s has %d conflicts, got %d resolutions",
			ErrResolutionCount, f.Path, len(f.Conflicts), len(resolutions))
	}

	out := make([]string, 0, len(f.lines))
	next := 0
	for i := 0; i < len(f.lines); i++ {
		if next < len(f.Conflicts) && i == f.Conflicts[next].StartLine-1 {
			out = append(out, sideLines(resolutions[next])...)
			i = f.Conflicts[next].EndLine - 1
			next++
			continue
		}
		out = append(out, f.lines[i])
	}
	return joinLines(out), nil
}

func isMarker(line, marker string) bool {
	if !strings.HasPrefix(line, marker) {
		return false
	}
	rest := line[len(marker):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}

func markerLabel(line, marker string) string {
	return strings.TrimSpace(line[len(marker):])
}

func contextBefore(lines []string, at, floor, n int) []string {
	start := at - n
	if start <= floor {
		start = floor + 1
	}
	if start < 0 {
		start = 0
	}
	if start >= at {
		return nil
	}
	return append([]string(nil), lines[start:at]...)
}

func contextAfter(lines []string, from, limit, n int) []string {
	end := from + n
	if end > limit {
		end = limit
	}
	// A trailing newline produces an empty final element that is not a line.
	if end == len(lines) && end > 0 && lines[end-1] == "" {
		end--
	}
	if from >= end {
		return nil
	}
	return append([]string(nil), lines[from:end]...)
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

// joinSide terminates every line, so an empty side ("") and a side holding
// one blank line ("\n") stay distinct.
func joinSide(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// sideLines inverts joinSide. A missing final newline is accepted.
func sideLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
