package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/window"
)

// Prompt construction is deterministic for identical inputs: no randomness,
// no wall-clock reads. Every timestamp that appears in a prompt comes from
// the window the caller passed in.

const timestampLayout = "2006-01-02 15:04"

// languageSampleSize is how many trailing messages are examined when
// guessing the room's primary language.
const languageSampleSize = 50

// reportPromptTmpl is the instruction template for the daily analytics
// report. Substituted in order: transcript header + transcript, language,
// language.
const reportPromptTmpl = `You are analyzing group chat messages from the last 24 hours. Generate a detailed professional report.

%s

IMPORTANT: The messages are primarily in %s. Respond in THE SAME LANGUAGE as the messages.

Generate a structured analytics report in Markdown with these sections:

## Overview
- Total message count and number of active participants
- Most active participants with message counts
- Peak activity hours

## Topics
- Group the messages into topic clusters
- For each topic: key participants, main points, outcome or open status

## Highlights
- Decisions made, tasks assigned (who, to whom, deadline), important dates
- Critical messages or risks that need attention

## Activity Pattern
- How the conversation flowed through the day, engagement level, tone

## Insights
- Recurring themes, bottlenecks, and concrete suggestions for tomorrow

FORMATTING RULES:
- Use simple Markdown only: **bold** for headers and emphasis
- Avoid underscores, complex tables, and nested lists
- Use %s for all text
- Maximum 4000 characters`

// questionPromptTmpl embeds the retained transcript plus the literal user
// question. Substituted in order: lookback description, transcript,
// question, language.
const questionPromptTmpl = `You are a helpful assistant analyzing group chat history.

Chat history (%s):
%s

User question: %s

Answer based only on the chat history above. If the question cannot be
answered from the available context, say so politely. Respond in the same
language as the question and the chat (%s). Keep the answer concise.

FORMATTING RULES:
- Simple text formatting only, **bold** for important words
- No underscores, brackets, or special characters`

// buildReportPrompt serializes a non-empty daily window into the report
// instruction prompt.
func buildReportPrompt(w *window.Window) string {
	lang := detectLanguage(w.Messages)
	header := describeWindow(w)
	return fmt.Sprintf(reportPromptTmpl, header, lang, lang)
}

// buildQuestionPrompt serializes a non-empty Q&A window plus the literal
// question into the answer prompt.
func buildQuestionPrompt(w *window.Window, question string) string {
	lang := detectLanguage(w.Messages)
	lookback := fmt.Sprintf("%s to %s",
		w.Start.Format(timestampLayout), w.End.Format(timestampLayout))
	return fmt.Sprintf(questionPromptTmpl, lookback, formatTranscript(w.Messages), question, lang)
}

// describeWindow renders the window's participant list, counts, and
// chronological transcript.
func describeWindow(w *window.Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Messages: %d\n", len(w.Messages))
	fmt.Fprintf(&b, "Participants: %s\n", strings.Join(participants(w.Messages), ", "))
	if w.Truncated {
		b.WriteString("(older messages in this interval were omitted to bound the transcript)\n")
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(formatTranscript(w.Messages))
	return b.String()
}

// formatTranscript renders messages as "[timestamp] author: text" lines in
// window order.
func formatTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format(timestampLayout), name, m.Body)
	}
	return b.String()
}

// participants returns the distinct author names in the window, sorted
// alphabetically for stable prompt output.
func participants(msgs []store.Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	var names []string
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// detectLanguage guesses the primary language of the sample by letter-script
// ratio. The heuristic only distinguishes Cyrillic from everything else;
// the model handles the rest via the "same language" instruction.
func detectLanguage(msgs []store.Message) string {
	sample := msgs
	if len(sample) > languageSampleSize {
		sample = sample[len(sample)-languageSampleSize:]
	}

	var cyrillic, letters int
	for _, m := range sample {
		for _, r := range m.Body {
			if r >= 0x0400 && r <= 0x04FF {
				cyrillic++
				letters++
			} else if isLetter(r) {
				letters++
			}
		}
	}
	if letters > 0 && float64(cyrillic)/float64(letters) > 0.3 {
		return "Russian"
	}
	return "English"
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= 0x00C0 && r <= 0x024F) // Latin-1 supplement and extended
}
