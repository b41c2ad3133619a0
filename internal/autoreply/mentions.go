package autoreply

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

var mentionRe = regexp.MustCompile(`@([a-z][a-z0-9]*(?:[-_][a-z0-9]+)*)`)

// ExtractMentions returns the handles @-mentioned in body, without the @
// prefix, deduplicated in first-seen order. A mention must start at a word
// boundary so email addresses do not count.
func ExtractMentions(body string) []string {
	matches := mentionRe.FindAllStringSubmatchIndex(body, -1)
	seen := map[string]struct{}{}
	mentions := make([]string, 0, len(matches))

	for _, match := range matches {
		if len(match) < 4 {
			continue
		}
		start := match[0]
		if start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(body[:start])
			if unicode.IsLetter(prev) || unicode.IsDigit(prev) {
				continue
			}
		}

		name := body[match[2]:match[3]]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		mentions = append(mentions, name)
	}

	return mentions
}

// Mentioned reports whether handle is @-mentioned in body.
func Mentioned(body, handle string) bool {
	for _, m := range ExtractMentions(body) {
		if m == handle {
			return true
		}
	}
	return false
}
