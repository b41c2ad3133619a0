package domain

import (
	"encoding/json"
	"strings"
)

// Citation is a web citation attached to an agent reply: a source url plus
// the character range of the final text it annotates.
type Citation struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

const (
	citationsOpen  = "<!--parley:citations "
	citationsClose = "-->"
)

// AppendCitations serializes citations as a trailing comment-delimited JSON
// block so structured citations can later be recovered from stored content
// alone. Text without citations is returned unchanged.
func AppendCitations(text string, citations []Citation) string {
	if len(citations) == 0 {
		return text
	}
	data, err := json.Marshal(citations)
	if err != nil {
		return text
	}
	return text + "\n\n" + citationsOpen + string(data) + citationsClose
}

// ExtractCitations splits stored message content back into display text and
// structured citations. Content without a well-formed trailing block is
// returned as-is with no citations.
func ExtractCitations(stored string) (string, []Citation) {
	start := strings.LastIndex(stored, citationsOpen)
	if start < 0 {
		return stored, nil
	}
	rest := stored[start+len(citationsOpen):]
	end := strings.Index(rest, citationsClose)
	if end < 0 {
		return stored, nil
	}

	var citations []Citation
	if err := json.Unmarshal([]byte(rest[:end]), &citations); err != nil {
		return stored, nil
	}

	text := strings.TrimRight(stored[:start], "\n")
	return text, citations
}
