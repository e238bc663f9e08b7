package naming

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoTitle means the model answered without a usable title
var ErrNoTitle = errors.New("no title in response")

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// parseSuggestion extracts a Suggestion from a model answer
func parseSuggestion(text string) (*Suggestion, error) {
	text = responseText(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &s); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	s.Title = strings.Join(strings.Fields(s.Title), " ")
	if s.Title == "" {
		return nil, ErrNoTitle
	}
	s.Date = normalizeDate(s.Date)
	return &s, nil
}

// normalizeDate rewrites a date as YYYY-MM-DD, or returns "" when it cannot be read
func normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, date); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
