package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Attachment describes a file the user attached to their message.
type Attachment struct {
	Name string
	URL  string
}

// PromptContext feeds the system prompt template.
type PromptContext struct {
	// Source identifies where the request came from, e.g. "dm", "schedule",
	// "cli".
	Source string
	// UserID is the requesting chat user, when there is one.
	UserID string
	// Extra is appended to the assistant context verbatim.
	Extra string
}

var snowflakeRE = regexp.MustCompile(`^\d{17,20}$`)

// dmProgressHint tells the agent its reply is relayed over chat, where long
// silences look like a hang.
const dmProgressHint = "You are replying to a Discord direct message. " +
	"The user sees a typing indicator while you work and your reply is " +
	"delivered in chunks of at most 2000 characters."

// RenderSystemPrompt loads the template at path and fills its placeholders:
// {{datetime}}, {{source}}, and {{assistant_context}}. A missing template
// file is an error; the daemon should not run an agent without its
// instructions.
func RenderSystemPrompt(path string, pc PromptContext) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt template: %w", err)
	}
	return fillSystemPrompt(string(raw), pc, time.Now()), nil
}

func fillSystemPrompt(template string, pc PromptContext, now time.Time) string {
	assistantContext := pc.Extra
	if pc.Source == "dm" && snowflakeRE.MatchString(pc.UserID) {
		if assistantContext != "" {
			assistantContext += "\n"
		}
		assistantContext += dmProgressHint
	}

	out := template
	out = strings.ReplaceAll(out, "{{datetime}}", now.Format("2006-01-02 15:04"))
	out = strings.ReplaceAll(out, "{{source}}", pc.Source)
	out = strings.ReplaceAll(out, "{{assistant_context}}", assistantContext)
	return out
}

// userInputPlaceholder stands in for messages with no text, e.g. an
// attachment sent alone.
const userInputPlaceholder = "(the user sent a message with no text)"

// BuildUserPrompt assembles the prompt sent to the agent from the user's
// message text and any attachments.
func BuildUserPrompt(input string, attachments []Attachment) string {
	var b strings.Builder
	text := strings.TrimSpace(input)
	if text == "" {
		text = userInputPlaceholder
	}
	b.WriteString(text)

	if len(attachments) > 0 {
		b.WriteString("\n\nAttachments:\n")
		for _, a := range attachments {
			fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.URL)
		}
	}
	return b.String()
}

var thinkTagRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes <think> blocks some models emit before their
// answer, then trims the result.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRE.ReplaceAllString(text, ""))
}
