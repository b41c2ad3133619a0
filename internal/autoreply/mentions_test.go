package autoreply

import "testing"

func TestExtractMentions(t *testing.T) {
	body := "hey @scout and @ops-bot, email test@test.com is not a mention, @scout again"
	mentions := ExtractMentions(body)

	if len(mentions) != 2 {
		t.Fatalf("expected 2 mentions, got %d: %v", len(mentions), mentions)
	}
	assertMention(t, mentions, "scout")
	assertMention(t, mentions, "ops-bot")
}

func assertMention(t *testing.T, mentions []string, value string) {
	t.Helper()
	for _, mention := range mentions {
		if mention == value {
			return
		}
	}
	t.Fatalf("expected mention %s", value)
}

func TestExtractMentionsBoundaries(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{"@scout at the start", 1},
		{"mid @scout sentence", 1},
		{"trailing @scout", 1},
		{"punctuation before,@scout", 1},
		{"word@scout is an address", 0},
		{"digits9@scout too", 0},
		{"no mentions here", 0},
	}
	for _, tc := range cases {
		got := ExtractMentions(tc.body)
		if len(got) != tc.want {
			t.Errorf("%q: expected %d mentions, got %v", tc.body, tc.want, got)
		}
	}
}

func TestMentioned(t *testing.T) {
	if !Mentioned("ping @scout please", "scout") {
		t.Error("expected scout to be mentioned")
	}
	if Mentioned("ping @scouting please", "scout") {
		t.Error("scouting should not match scout")
	}
	if Mentioned("no at all", "scout") {
		t.Error("expected no mention")
	}
}
