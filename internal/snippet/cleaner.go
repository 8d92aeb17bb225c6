// Package snippet cleans provider body previews into short plain-text
// snippets suitable for classification prompts. The pipeline is
// deterministic and idempotent: cleaning an already-clean snippet is a
// no-op.
package snippet

import (
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// passBudget caps how long any single regex pass may run. A preview that
// blows the budget keeps the output of the passes that completed.
const passBudget = time.Second

var (
	htmlTagRe = regexp.MustCompile(`(?s)<[^>]{1,256}>`)

	// Forwarded/quoted reply headers. Matching from the header to the end
	// drops the quoted tail.
	forwardHeaderRe = regexp.MustCompile(`(?is)(-{2,}\s*(original|forwarded) message\s*-{2,}|^>\s?from:|\n\s*from:\s.+\n\s*sent:\s).*$`)
	onWroteRe       = regexp.MustCompile(`(?is)\n?on .{5,120} wrote:\s*.*$`)

	// Signature openers. Everything from the opener to the end goes.
	signatureRe = regexp.MustCompile(`(?is)\n\s*(--\s*\n|_{4,}|sent from my \w|best regards,|kind regards,|regards,|thanks,|thank you,|cheers,)\s*.*$`)

	disclaimerRe = regexp.MustCompile(`(?is)\n[^\n]{0,40}(confidential(ity)? notice|this (e-?mail|message) (and any attachments )?(is|are) (intended|confidential)|if you (are not|have received)).*$`)

	whitespaceRe = regexp.MustCompile(`[ \t\x{00A0}\x{200B}]+`)
	blankLinesRe = regexp.MustCompile(`\n{2,}`)
)

// Cleaner runs the cleaning pipeline with a fixed output length limit.
type Cleaner struct {
	maxLength int
}

// NewCleaner creates a cleaner that truncates output to maxLength bytes.
func NewCleaner(maxLength int) *Cleaner {
	if maxLength <= 0 {
		maxLength = 1000
	}
	return &Cleaner{maxLength: maxLength}
}

// Clean runs the full pipeline over a raw body preview.
func (c *Cleaner) Clean(raw string) string {
	text := raw

	text = guardedReplace(htmlTagRe, text, " ")
	text = html.UnescapeString(text)
	text = guardedReplace(forwardHeaderRe, text, "")
	text = guardedReplace(onWroteRe, text, "")
	text = guardedReplace(signatureRe, text, "")
	text = guardedReplace(disclaimerRe, text, "")
	text = guardedReplace(whitespaceRe, text, " ")
	text = guardedReplace(blankLinesRe, text, "\n")
	text = strings.TrimSpace(text)

	if len(text) > c.maxLength {
		// Back up to a rune boundary; a split rune would feed invalid
		// UTF-8 into prompts.
		cut := c.maxLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// guardedReplace applies one regex pass under the wall-clock budget. When
// the pass exceeds the budget the input passes through unchanged; a slow
// pathological preview must never stall a triage cycle.
func guardedReplace(re *regexp.Regexp, text, replacement string) string {
	done := make(chan string, 1)
	go func() {
		done <- re.ReplaceAllString(text, replacement)
	}()
	select {
	case out := <-done:
		return out
	case <-time.After(passBudget):
		return text
	}
}
