package naming

import (
	"context"
	"strings"
)

// Suggestion is a title proposed for a scanned document
type Suggestion struct {
	Title string `json:"title"`
	Date  string `json:"date"`
}

// Namer proposes a title for a document from a JPEG of its first page
type Namer interface {
	Name(ctx context.Context, page []byte) (*Suggestion, error)
}

// namePrompt is the shared prompt used by all LLM providers for titling documents
const namePrompt = `You are looking at the first page of a scanned paper document. Read the text on the page and propose a short title for it.

1. **Title**: Who the document is from and what it is, for example "City Water - Bill", "Dr. Smith - Lab Results" or "Acme Insurance - Policy Renewal". Keep it under 60 characters.

2. **Date**: The date the document was issued, in ISO 8601 format (YYYY-MM-DD).

Return ONLY valid JSON in this exact format:
{
  "title": "Sender - Kind of document",
  "date": "YYYY-MM-DD"
}

Important:
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// responseText strips whitespace and markdown fences from a model answer
func responseText(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
