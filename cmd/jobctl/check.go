package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

var (
	chkStrategy  string
	chkRulesFile string
	chkSecrets   bool
	chkContext   int
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&chkStrategy, "strategy", resolution.OursFirst.Name, "Fallback strategy: ours_first, theirs_first, manual_only or a step list")
	checkCmd.Flags().StringVar(&chkRulesFile, "rules", "", "Denylist rules file (default built-in rules)")
	checkCmd.Flags().BoolVar(&chkSecrets, "secrets", false, "Also scan both sides for secrets")
	checkCmd.Flags().IntVar(&chkContext, "context-lines", conflict.DefaultContextLines, "Context lines kept around each region")
}

var checkCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Check conflicted files locally",
	Long: `Parse conflict markers in each file, run the validation battery on both
sides of every region, and print what the fallback strategy would choose.
Nothing is sent to a server and no candidate is generated.

Examples:
  jobctl check internal/api/handler.go
  jobctl check --strategy theirs_first --secrets config.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

// sideReport is the battery outcome for one side of a region.
type sideReport struct {
	Passed bool              `json:"passed"`
	Report *validation.Report `json:"report"`
}

// regionReport is the check output for one conflict.
type regionReport struct {
	File      string            `json:"file"`
	Index     int               `json:"index"`
	StartLine int               `json:"start_line"`
	EndLine   int               `json:"end_line"`
	Language  string            `json:"language"`
	Binary    bool              `json:"binary"`
	Ours      *sideReport       `json:"ours,omitempty"`
	Theirs    *sideReport       `json:"theirs,omitempty"`
	Decision  resolution.Method `json:"decision"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	strategy, err := resolution.ParseStrategy(chkStrategy)
	if err != nil {
		return err
	}
	v, err := newCheckValidator(chkRulesFile, chkSecrets)
	if err != nil {
		return err
	}

	var reports []regionReport
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", path, err)
		}
		f, err := conflict.Parse(path, content, conflict.WithContextLines(chkContext))
		if errors.Is(err, conflict.ErrNoConflicts) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: no conflict markers\n", path)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rs, err := checkFile(cmd, v, strategy, f)
		if err != nil {
			return err
		}
		reports = append(reports, rs...)
	}

	if outputJSONFlag {
		return outputJSON(cmd, reports)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tCONFLICT\tLINES\tLANG\tOURS\tTHEIRS\tDECISION")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%d\t%d-%d\t%s\t%s\t%s\t%s\n",
			r.File, r.Index, r.StartLine, r.EndLine, r.Language,
			sideSummary(r.Ours), sideSummary(r.Theirs), r.Decision)
	}
	return w.Flush()
}

// checkFile validates both sides of every region. A side counts as valid
// for the fallback ladder only when the whole battery passes, so a side
// that leaks a secret is never chosen.
func checkFile(cmd *cobra.Command, v *validation.Validator, s resolution.Strategy, f *conflict.File) ([]regionReport, error) {
	out := make([]regionReport, 0, len(f.Conflicts))
	for _, c := range f.Conflicts {
		r := regionReport{
			File:      f.Path,
			Index:     c.Index,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Language:  c.Language,
			Binary:    c.Binary,
			Decision:  resolution.MethodManual,
		}
		if c.Binary {
			out = append(out, r)
			continue
		}
		var err error
		if r.Ours, err = checkSide(cmd, v, f, c, c.Ours); err != nil {
			return nil, err
		}
		if r.Theirs, err = checkSide(cmd, v, f, c, c.Theirs); err != nil {
			return nil, err
		}
		r.Decision, _ = s.Choose(c, func(text string) bool {
			switch text {
			case c.Ours:
				return r.Ours.Passed
			case c.Theirs:
				return r.Theirs.Passed
			}
			return false
		})
		out = append(out, r)
	}
	return out, nil
}

func checkSide(cmd *cobra.Command, v *validation.Validator, f *conflict.File, c conflict.Conflict, text string) (*sideReport, error) {
	rep, err := v.Validate(cmd.Context(), validation.Candidate{
		FilePath: f.Path,
		Language: c.Language,
		Text:     text,
		Conflict: c,
		File:     f,
	})
	if err != nil {
		return nil, fmt.Errorf("%s#%d: %w", f.Path, c.Index, err)
	}
	return &sideReport{Passed: rep.Passed, Report: rep}, nil
}

func newCheckValidator(rulesFile string, secrets bool) (*validation.Validator, error) {
	var (
		rules *validation.RuleSet
		err   error
	)
	if rulesFile != "" {
		rules, err = validation.LoadRules(rulesFile)
	} else {
		rules, err = validation.CompileRules(validation.DefaultRules())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load denylist: %w", err)
	}
	var detector validation.SecretDetector
	if secrets {
		g, err := validation.NewGitleaksDetector()
		if err != nil {
			return nil, err
		}
		detector = g
	}
	return validation.New(validation.WithSecurityScanner(validation.NewSecurityScanner(rules, detector)))
}

func sideSummary(s *sideReport) string {
	switch {
	case s == nil:
		return "-"
	case s.Passed:
		return "ok"
	case s.Report != nil && s.Report.FailedCheck != "":
		return string(s.Report.FailedCheck)
	}
	return "fail"
}
