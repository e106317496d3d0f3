package resolution

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
)

// Step is one rung of a fallback ladder.
type Step string

const (
	StepOurs   Step = "ours"
	StepTheirs Step = "theirs"
	StepManual Step = "manual"
)

// Strategy is the fallback policy applied when a candidate is rejected.
// Steps are tried in order; a side is taken only when it is syntactically
// valid on its own, and StepManual always stops the ladder.
type Strategy struct {
	Name  string
	Steps []Step
}

// Built-in strategies. OursFirst is the default: when both sides are valid
// the current branch wins.
var (
	OursFirst   = Strategy{Name: "ours_first", Steps: []Step{StepOurs, StepTheirs, StepManual}}
	TheirsFirst = Strategy{Name: "theirs_first", Steps: []Step{StepTheirs, StepOurs, StepManual}}
	ManualOnly  = Strategy{Name: "manual_only", Steps: []Step{StepManual}}
)

// ParseStrategy resolves a built-in strategy by name, or a custom ladder
// written as comma-separated steps ("theirs,manual").
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", OursFirst.Name:
		return OursFirst, nil
	case TheirsFirst.Name:
		return TheirsFirst, nil
	case ManualOnly.Name:
		return ManualOnly, nil
	}

	s := Strategy{Name: name}
	for _, part := range strings.Split(name, ",") {
		step := Step(strings.TrimSpace(part))
		switch step {
		case StepOurs, StepTheirs, StepManual:
			s.Steps = append(s.Steps, step)
		default:
			return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
		}
	}
	return s, nil
}

// Choose walks the ladder. valid reports whether a side parses; it is only
// consulted for ours and theirs. A ladder that runs out of steps ends in
// manual_required.
func (s Strategy) Choose(c conflict.Conflict, valid func(text string) bool) (Method, string) {
	for _, step := range s.Steps {
		switch step {
		case StepOurs:
			if valid(c.Ours) {
				return MethodFallbackOurs, c.Ours
			}
		case StepTheirs:
			if valid(c.Theirs) {
				return MethodFallbackTheirs, c.Theirs
			}
		case StepManual:
			return MethodManual, ""
		}
	}
	return MethodManual, ""
}
