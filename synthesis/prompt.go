package synthesis

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"recipecheck/types"
)

// DefaultMaxPromptChars bounds the prompt length in characters (runes).
const DefaultMaxPromptChars = 30000

// PassageSeparator is placed on its own line between reference passages.
const PassageSeparator = "-----"

// ErrPromptTooLarge means the instruction, order fields and date alone do
// not fit the configured bound.
var ErrPromptTooLarge = errors.New("prompt exceeds size bound without reference passages")

const instruction = `You are an expert assistant processing recipe pre-screening.
Use the REFERENCE DOCUMENT below as your only source of rules.
Process the ORDER according to the steps given in the document and return the result of each step.
Explain the overall result as PASS or FAIL and list every failure reason along with its Zone.`

// BuildPrompt renders the four prompt sections: instruction, reference
// passages in retrieval order, the order fields in declaration order and the
// as-of date. When maxChars is positive the prompt is kept within it by
// dropping passages from the least relevant end; a single remaining passage
// is cut short rather than dropped.
func BuildPrompt(order types.Order, passages []types.Passage, asOf types.Date, maxChars int) (string, error) {
	contents := make([]string, len(passages))
	for i, p := range passages {
		contents[i] = p.Content
	}

	prompt := renderPrompt(order, contents, asOf)
	if maxChars <= 0 || utf8.RuneCountInString(prompt) <= maxChars {
		return prompt, nil
	}

	for n := len(contents) - 1; n >= 1; n-- {
		prompt = renderPrompt(order, contents[:n], asOf)
		if utf8.RuneCountInString(prompt) <= maxChars {
			return prompt, nil
		}
	}

	if len(contents) > 0 {
		frame := utf8.RuneCountInString(renderPrompt(order, []string{""}, asOf))
		if room := maxChars - frame; room > 0 {
			return renderPrompt(order, []string{truncateRunes(contents[0], room)}, asOf), nil
		}
	}

	prompt = renderPrompt(order, nil, asOf)
	if utf8.RuneCountInString(prompt) > maxChars {
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrPromptTooLarge, utf8.RuneCountInString(prompt), maxChars)
	}
	return prompt, nil
}

func renderPrompt(order types.Order, passages []string, asOf types.Date) string {
	var b strings.Builder
	b.WriteString(instruction)

	b.WriteString("\n\nREFERENCE DOCUMENT:\n")
	if len(passages) == 0 {
		b.WriteString("(no reference passages available)")
	}
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n" + PassageSeparator + "\n")
		}
		b.WriteString(p)
	}

	b.WriteString("\n\nORDER:\n")
	for _, f := range order.Fields() {
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(types.FormatRaw(f.Value))
		b.WriteString("\n")
	}

	b.WriteString("\nAS OF DATE: ")
	b.WriteString(asOf.String())
	b.WriteString("\n")
	return b.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
