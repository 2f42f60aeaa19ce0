// Package secrets redacts credentials from text before it is persisted or
// returned to clients.
//
// Goals and model output are free text; a user pasting an API key into a
// goal must not find it stored in session history or published on the
// event bus.
package secrets

import (
	"fmt"
	"regexp"
	"slices"
)

// DefaultRedaction replaces each detected secret.
const DefaultRedaction = "[REDACTED]"

// Rule detects one kind of secret.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Keywords, when set, must appear (case-insensitively) somewhere in the
	// content for the rule to run.
	Keywords []string `koanf:"keywords"`
}

// Config configures a Scrubber.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Redaction string   `koanf:"redaction"`
	Rules     []Rule   `koanf:"rules"`
	AllowList []string `koanf:"allow_list"`
}

// DefaultConfig enables scrubbing with DefaultRules.
func DefaultConfig() Config {
	return Config{Enabled: true, Redaction: DefaultRedaction, Rules: DefaultRules()}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// Scrubber redacts secrets. A nil *Scrubber or a disabled one returns
// content unchanged.
type Scrubber struct {
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
}

// New compiles cfg. A disabled config yields a nil Scrubber.
func New(cfg Config) (*Scrubber, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	s := &Scrubber{redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}

	for i, r := range cfg.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		s.rules = append(s.rules, cr)
	}

	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Enabled reports whether s redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil
}

// Result describes one scrub. Matched values are never included.
type Result struct {
	Text   string
	ByRule map[string]int
}

// Count returns the number of redacted secrets.
func (r Result) Count() int {
	n := 0
	for _, c := range r.ByRule {
		n += c
	}
	return n
}

type span struct{ start, end int }

// Scrub redacts every secret in content. Overlapping matches are merged
// into one redaction.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Text: content}
	if s == nil || content == "" {
		return res
	}

	var spans []span
	for _, r := range s.rules {
		if !r.applies(content) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[r.id]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return res
	}

	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(content))
	prev := 0
	for _, sp := range merged {
		out = append(out, content[prev:sp.start]...)
		out = append(out, s.redaction...)
		prev = sp.end
	}
	out = append(out, content[prev:]...)
	res.Text = string(out)
	return res
}

// String is Scrub(content).Text.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Text
}

// Strings scrubs each element into a new slice.
func (s *Scrubber) Strings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = s.String(v)
	}
	return out
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
