package classifier

import (
	"fmt"
	"strings"

	"outlook-organiser/internal/config"
)

// RuleMatch is the outcome of a successful auto-rule check.
type RuleMatch struct {
	Rule   config.AutoRule
	Reason string
}

// MatchAutoRule checks a message against the configured auto-rules. A rule
// matches when the sender matches any of its sender patterns or the
// subject contains any of its substrings, case-insensitively. The first
// matching rule in config order wins.
func MatchAutoRule(rules []config.AutoRule, senderAddress, subject string) (*RuleMatch, bool) {
	address := strings.ToLower(senderAddress)
	lowerSubject := strings.ToLower(subject)

	for _, rule := range rules {
		for _, pattern := range rule.Senders {
			if matchSenderPattern(pattern, address) {
				return &RuleMatch{
					Rule:   rule,
					Reason: fmt.Sprintf("sender matches %q (rule %q)", pattern, rule.Name),
				}, true
			}
		}
		for _, substr := range rule.SubjectContains {
			if substr != "" && strings.Contains(lowerSubject, strings.ToLower(substr)) {
				return &RuleMatch{
					Rule:   rule,
					Reason: fmt.Sprintf("subject contains %q (rule %q)", substr, rule.Name),
				}, true
			}
		}
	}
	return nil, false
}

// matchSenderPattern matches an address against a pattern: exact
// (case-insensitive) or a "*@domain" wildcard covering every address at
// that domain.
func matchSenderPattern(pattern, address string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if domain, ok := strings.CutPrefix(pattern, "*@"); ok {
		return strings.HasSuffix(address, "@"+domain)
	}
	return pattern == address
}
