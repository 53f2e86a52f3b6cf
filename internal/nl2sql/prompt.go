package nl2sql

import (
	"fmt"
	"strings"

	"github.com/askmesh/askmesh/internal/ask"
)

const generationSystemPrompt = "You convert natural language analytics questions into DuckDB SQL. " +
	"DuckDB uses PostgreSQL-like SQL syntax. " +
	"Only read data: every statement must be a single SELECT or WITH query. " +
	`Respond with a JSON object {"candidates":[{"sql":"...","summary":"..."}]} and nothing else.`

const classificationSystemPrompt = "You decide whether a question can be answered by querying the tenant's tables. " +
	"Greetings, chit-chat, requests to modify data and questions unrelated to the described data are MISLEADING_QUERY. " +
	`Respond with a JSON object {"intent":"TEXT_TO_SQL"|"MISLEADING_QUERY","reasoning":"..."} and nothing else.`

func buildGenerationMessages(q ask.Question, snippets []ask.Snippet, feedback []ask.CorrectionFeedback, candidates int) []message {
	var user strings.Builder
	writeContext(&user, snippets)
	if text := strings.TrimSpace(q.Context); text != "" {
		fmt.Fprintf(&user, "Additional context from the user:\n%s\n\n", text)
	}
	fmt.Fprintf(&user, "Question:\n%s\n\n", strings.TrimSpace(q.Text))

	if len(feedback) > 0 {
		fmt.Fprintf(&user, "Correction attempt %d. These queries failed validation; fix them:\n", feedback[0].Attempt)
		for i, item := range feedback {
			fmt.Fprintf(&user, "%d. SQL: %s\n", i+1, item.SQL)
			if item.Summary != "" {
				fmt.Fprintf(&user, "   Intent: %s\n", item.Summary)
			}
			fmt.Fprintf(&user, "   Engine error: %s\n", item.EngineError)
		}
		user.WriteString("\n")
	}

	fmt.Fprintf(&user, "Rules:\n- Use only tables and columns from the schema context.\n- Return at most %d candidates.\n- Add LIMIT 200 unless the question asks for an aggregate or another limit.\n- Each summary is one sentence describing what the query returns.", candidates)

	return []message{
		{Role: "system", Content: generationSystemPrompt},
		{Role: "user", Content: user.String()},
	}
}

func buildClassificationMessages(q ask.Question, snippets []ask.Snippet) []message {
	var user strings.Builder
	writeContext(&user, snippets)
	fmt.Fprintf(&user, "Question:\n%s", strings.TrimSpace(q.Text))
	return []message{
		{Role: "system", Content: classificationSystemPrompt},
		{Role: "user", Content: user.String()},
	}
}

func writeContext(b *strings.Builder, snippets []ask.Snippet) {
	if len(snippets) == 0 {
		b.WriteString("Schema context: none available.\n\n")
		return
	}
	sections := []struct {
		kind  ask.SnippetKind
		title string
	}{
		{ask.SnippetSchema, "Schema context"},
		{ask.SnippetSQLPair, "Previously answered questions"},
		{ask.SnippetInstruction, "Instructions"},
	}
	for _, section := range sections {
		wrote := false
		for _, snippet := range snippets {
			if snippet.Kind != section.kind {
				continue
			}
			if !wrote {
				fmt.Fprintf(b, "%s:\n", section.title)
				wrote = true
			}
			fmt.Fprintf(b, "-- %s\n%s\n", snippet.Title, strings.TrimSpace(snippet.Content))
		}
		if wrote {
			b.WriteString("\n")
		}
	}
}
