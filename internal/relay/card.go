package relay

import (
	"encoding/json"
	"strings"
	"time"
)

type CardStatus string

const (
	CardSuccess CardStatus = "success"
	CardError   CardStatus = "error"
)

const (
	cardTitle           = "Workflow run notification"
	cardTimestampLayout = "2006-01-02 15:04:05"
	emptyResultText     = "Workflow finished"
)

// Card is the rendered summary of one finished run.
type Card struct {
	Status    CardStatus
	SourceURL string
	Body      string
	Output    string
	Timestamp time.Time
}

// SuccessCard summarises a successful outcome. The body is every collected message in
// order, one per line.
func SuccessCard(sourceURL string, outcome Outcome, at time.Time) Card {
	body := strings.Join(outcome.Messages, "\n")
	if strings.TrimSpace(body) == "" {
		body = emptyResultText
	}
	return Card{
		Status:    CardSuccess,
		SourceURL: sourceURL,
		Body:      body,
		Output:    outcome.Output,
		Timestamp: at,
	}
}

func ErrorCard(sourceURL, reason string, at time.Time) Card {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return Card{
		Status:    CardError,
		SourceURL: sourceURL,
		Body:      "Run failed: " + reason,
		Timestamp: at,
	}
}

type larkCard struct {
	Config   larkCardConfig    `json:"config"`
	Header   larkCardHeader    `json:"header"`
	Elements []larkCardElement `json:"elements"`
}

type larkCardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type larkCardHeader struct {
	Template string   `json:"template"`
	Title    larkText `json:"title"`
}

type larkText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type larkCardElement struct {
	Tag  string    `json:"tag"`
	Text *larkText `json:"text,omitempty"`
}

func markdownBlock(content string) larkCardElement {
	return larkCardElement{Tag: "div", Text: &larkText{Tag: "lark_md", Content: content}}
}

func (c Card) render() larkCard {
	template, statusText := "green", "Run completed"
	if c.Status != CardSuccess {
		template, statusText = "red", "Run failed"
	}
	elements := []larkCardElement{
		markdownBlock("**" + statusText + "**"),
		{Tag: "hr"},
	}
	if c.SourceURL != "" {
		elements = append(elements, markdownBlock("**Source document:** [open]("+c.SourceURL+")"))
	}
	if c.Body != "" {
		elements = append(elements, markdownBlock("**Result:**\n"+c.Body))
	}
	if c.Output != "" {
		elements = append(elements, markdownBlock("**Output:** [open]("+c.Output+")"))
	}
	at := c.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	elements = append(elements, markdownBlock("**Finished at:** "+at.Format(cardTimestampLayout)))
	return larkCard{
		Config: larkCardConfig{WideScreenMode: true},
		Header: larkCardHeader{
			Template: template,
			Title:    larkText{Tag: "plain_text", Content: cardTitle},
		},
		Elements: elements,
	}
}

// MarshalJSON renders the card in the chat platform's interactive card format.
func (c Card) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.render())
}
