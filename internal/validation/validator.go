package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Validator runs the check battery in Order and stops at the first failure.
type Validator struct {
	syntax   *SyntaxRegistry
	security *SecurityScanner
	tests    TestRunner
	logger   *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithSyntaxRegistry replaces the built-in syntax checkers.
func WithSyntaxRegistry(r *SyntaxRegistry) Option {
	return func(v *Validator) {
		v.syntax = r
	}
}

// WithSecurityScanner sets the denylist scanner.
func WithSecurityScanner(s *SecurityScanner) Option {
	return func(v *Validator) {
		v.security = s
	}
}

// WithTestRunner enables the test stage. Without a runner the stage is
// reported as not applicable.
func WithTestRunner(r TestRunner) Option {
	return func(v *Validator) {
		v.tests = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		v.logger = l
	}
}

// New creates a Validator. Without options it uses the built-in syntax
// checkers and the default denylist without secret detection.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	if v.syntax == nil {
		v.syntax = NewSyntaxRegistry()
	}
	if v.security == nil {
		rules, err := CompileRules(DefaultRules())
		if err != nil {
			return nil, fmt.Errorf("compiling default rules: %w", err)
		}
		v.security = NewSecurityScanner(rules, nil)
	}
	v.logger = v.logger.Named("validator")
	return v, nil
}

// ForWorktree returns a copy of v that runs tests through r. Workers use it
// to bind the test stage to one checkout.
func (v *Validator) ForWorktree(r TestRunner) *Validator {
	c := *v
	c.tests = r
	return &c
}

// Syntax exposes the syntax registry for the fallback ladder.
func (v *Validator) Syntax() *SyntaxRegistry {
	return v.syntax
}

// Validate runs the battery on c. A failed check is reported in the Report;
// an error means a check could not complete (for example a test timeout)
// and says nothing about the candidate itself.
func (v *Validator) Validate(ctx context.Context, c Candidate) (*Report, error) {
	r := newReport()
	lang := c.Language
	if lang == "" {
		lang = c.Conflict.Language
	}
	rendered := renderInFile(c.File, c.Conflict, c.Text)

	// Syntax
	applicable, err := v.syntax.Check(lang, rendered)
	switch {
	case !applicable:
		r.Checks[CheckSyntax] = OutcomeNotApplicable
	case err != nil:
		return r.fail(CheckSyntax, "syntax: "+err.Error()), nil
	default:
		r.Checks[CheckSyntax] = OutcomePass
	}

	// Security
	findings, err := v.security.Scan(lang, c.Text)
	if err != nil {
		return nil, err
	}
	if len(findings) > 0 {
		r.Findings = findings
		ids := make([]string, 0, len(findings))
		for _, f := range findings {
			ids = append(ids, f.RuleID)
		}
		v.logger.Warn("candidate matched security denylist",
			zap.String("file", c.FilePath),
			zap.Strings("rules", ids),
		)
		return r.fail(CheckSecurity, "security: matched "+strings.Join(ids, ", ")), nil
	}
	r.Checks[CheckSecurity] = OutcomePass

	// Semantic
	elsewhere := strings.Join(append(append([]string{}, c.Conflict.Before...), c.Conflict.After...), "\n")
	if c.File != nil && !c.File.Binary {
		elsewhere = c.File.Outside()
	}
	if missing := missingIdentifiers(c.Conflict.Ours, c.Conflict.Theirs, elsewhere, c.Text); len(missing) > 0 {
		r.Missing = missing
		return r.fail(CheckSemantic, "semantic: candidate drops "+strings.Join(missing, ", ")), nil
	}
	r.Checks[CheckSemantic] = OutcomePass

	// Tests
	if v.tests == nil || !v.tests.HasTests(c.FilePath) {
		r.Checks[CheckTests] = OutcomeNotApplicable
		r.Passed = true
		return r, nil
	}
	passed, err := v.tests.RunTests(ctx, c.FilePath, rendered)
	if err != nil {
		if errors.Is(err, ErrTestTimeout) || ctx.Err() != nil {
			return nil, err
		}
		return r.fail(CheckTests, "tests: "+err.Error()), nil
	}
	if !passed {
		return r.fail(CheckTests, "tests: existing tests failed"), nil
	}
	r.Checks[CheckTests] = OutcomePass
	r.Passed = true
	return r, nil
}
