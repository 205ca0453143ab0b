package relay

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cardTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func renderIndented(t *testing.T, card Card) []byte {
	t.Helper()
	out, err := json.MarshalIndent(card, "", "  ")
	require.NoError(t, err)
	return out
}

func TestCardGolden(t *testing.T) {
	g := goldie.New(t)

	success := SuccessCard("https://acme.feishu.cn/docx/abcXYZ", Outcome{
		Success:  true,
		Messages: []string{"summary ready", "output: https://out.example/report"},
		Output:   "https://out.example/report",
	}, cardTime)
	g.Assert(t, "card_success", renderIndented(t, success))

	failed := ErrorCard("https://acme.feishu.cn/docx/abcXYZ", "bad input (code 4000)", cardTime)
	g.Assert(t, "card_error", renderIndented(t, failed))
}

func TestSuccessCardWithoutMessagesUsesPlaceholder(t *testing.T) {
	card := SuccessCard("https://acme.feishu.cn/docx/abc", Outcome{Success: true}, cardTime)
	assert.Equal(t, emptyResultText, card.Body)
	assert.Empty(t, card.Output)

	raw, err := json.Marshal(card)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"template":"green"`))
	assert.False(t, strings.Contains(string(raw), "**Output:**"))
}

func TestErrorCardDefaultsReason(t *testing.T) {
	card := ErrorCard("", "  ", cardTime)
	assert.Equal(t, CardError, card.Status)
	assert.Equal(t, "Run failed: unknown error", card.Body)

	rendered := card.render()
	assert.Equal(t, "red", rendered.Header.Template)
	for _, el := range rendered.Elements {
		if el.Text != nil {
			assert.NotContains(t, el.Text.Content, "Source document")
		}
	}
}
