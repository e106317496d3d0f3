package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// Rule is one denylist entry.
type Rule struct {
	// ID is the unique identifier for this rule
	ID string `toml:"id" koanf:"id"`

	// Description explains what this rule detects
	Description string `toml:"description" koanf:"description"`

	// Pattern is the regex that flags a line
	Pattern string `toml:"pattern" koanf:"pattern"`

	// Allow exempts a flagged line when it also matches
	Allow string `toml:"allow" koanf:"allow"`

	// Languages restricts the rule; empty applies to every language
	Languages []string `toml:"languages" koanf:"languages"`

	// Severity indicates the importance (high, medium, low)
	Severity string `toml:"severity" koanf:"severity"`
}

type compiledRule struct {
	Rule
	pattern   *regexp.Regexp
	allow     *regexp.Regexp
	languages map[string]bool
}

func (r *compiledRule) appliesTo(lang string) bool {
	return len(r.languages) == 0 || r.languages[lang]
}

// RuleSet is an immutable compiled denylist.
type RuleSet struct {
	rules []*compiledRule
}

// CompileRules validates and compiles rules, failing on the first bad entry.
func CompileRules(rules []Rule) (*RuleSet, error) {
	set := &RuleSet{rules: make([]*compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("%w: rule %d: ID is required", ErrInvalidRule, i)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate rule ID %q", ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = true
		if rule.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %q: pattern is required", ErrInvalidRule, rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		if rule.Allow != "" {
			if cr.allow, err = regexp.Compile(rule.Allow); err != nil {
				return nil, fmt.Errorf("%w: rule %q allow: %v", ErrInvalidRule, rule.ID, err)
			}
		}
		if len(rule.Languages) > 0 {
			cr.languages = make(map[string]bool, len(rule.Languages))
			for _, l := range rule.Languages {
				cr.languages[strings.ToLower(l)] = true
			}
		}
		set.rules = append(set.rules, cr)
	}
	return set, nil
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns every rule hit in text for lang, one finding per rule and
// line.
func (s *RuleSet) Match(lang, text string) []Finding {
	if s == nil {
		return nil
	}
	var findings []Finding
	for n, line := range strings.Split(text, "\n") {
		for _, r := range s.rules {
			if !r.appliesTo(lang) || !r.pattern.MatchString(line) {
				continue
			}
			if r.allow != nil && r.allow.MatchString(line) {
				continue
			}
			findings = append(findings, Finding{
				RuleID:      r.ID,
				Description: r.Description,
				Severity:    r.Severity,
				Line:        n + 1,
			})
		}
	}
	return findings
}

// SecretDetector finds credentials in text.
type SecretDetector interface {
	Detect(text string) ([]Finding, error)
}

// GitleaksDetector detects secrets with the gitleaks rule set.
type GitleaksDetector struct {
	cfg gitleaksConfig.Config
}

// NewGitleaksDetector loads the default gitleaks configuration once.
func NewGitleaksDetector() (*GitleaksDetector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &GitleaksDetector{cfg: base.Config}, nil
}

// Detect implements SecretDetector. A fresh detector is used per call since
// gitleaks detectors accumulate findings.
func (g *GitleaksDetector) Detect(text string) ([]Finding, error) {
	detector := detect.NewDetector(g.cfg)
	leaks := detector.DetectString(text)
	findings := make([]Finding, 0, len(leaks))
	for _, f := range leaks {
		findings = append(findings, Finding{
			RuleID:      "secret:" + f.RuleID,
			Description: f.Description,
			Severity:    "high",
			Line:        f.StartLine,
		})
	}
	return findings, nil
}

// SecurityScanner applies the denylist and, when configured, secret
// detection. The rule set can be swapped at runtime.
type SecurityScanner struct {
	mu      sync.RWMutex
	rules   *RuleSet
	secrets SecretDetector
}

// NewSecurityScanner creates a scanner. secrets may be nil.
func NewSecurityScanner(rules *RuleSet, secrets SecretDetector) *SecurityScanner {
	return &SecurityScanner{rules: rules, secrets: secrets}
}

// SetRules atomically replaces the rule set.
func (s *SecurityScanner) SetRules(rules *RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// Rules returns the active rule set.
func (s *SecurityScanner) Rules() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Scan returns every finding for text.
func (s *SecurityScanner) Scan(lang, text string) ([]Finding, error) {
	findings := s.Rules().Match(lang, text)
	if s.secrets != nil {
		leaks, err := s.secrets.Detect(text)
		if err != nil {
			return nil, fmt.Errorf("secret detection: %w", err)
		}
		findings = append(findings, leaks...)
	}
	return findings, nil
}
