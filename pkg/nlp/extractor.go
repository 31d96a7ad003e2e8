package nlp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	"gopkg.in/yaml.v3"

	"github.com/soundprediction/factmemory/pkg/prompts"
	"github.com/soundprediction/factmemory/pkg/utils"
)

var (
	thinkTagPattern  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// FactExtractor turns chapter text into atomic fact statements using a Client.
// It also implements page attribution over the same client.
type FactExtractor struct {
	client Client
	logger *slog.Logger
}

// NewFactExtractor creates a FactExtractor. Wrap client with NewRetryClient
// to retry transient provider failures.
func NewFactExtractor(client Client, logger *slog.Logger) *FactExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactExtractor{client: client, logger: logger}
}

// ExtractFacts returns the distinct facts stated in content, in the order the
// model produced them. Empty content yields no facts and no model call.
func (e *FactExtractor) ExtractFacts(ctx context.Context, content, chapterTitle string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return []string{}, nil
	}

	p := prompts.ExtractFacts(chapterTitle, content)
	resp, err := e.client.ChatWithStructuredOutput(ctx, []Message{
		NewSystemMessage(p.System),
		NewUserMessage(p.User),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to extract facts: %w", err)
	}

	facts, err := ParseFactList(resp.Content)
	if err != nil {
		e.logger.Warn("unparseable fact extraction response",
			"chapter_title", chapterTitle, "response_len", len(resp.Content), "error", err)
		return nil, err
	}

	e.logger.Debug("extracted facts", "chapter_title", chapterTitle, "count", len(facts))
	return facts, nil
}

type pageAssignment struct {
	Fact int `json:"fact" yaml:"fact"`
	Page int `json:"page" yaml:"page"`
}

// AttributePages asks the model which page states each fact. Facts the model
// cannot place are absent from the result; a nil map means no attribution.
func (e *FactExtractor) AttributePages(ctx context.Context, facts []string, content string) (map[string]int, error) {
	if len(facts) == 0 || strings.TrimSpace(content) == "" {
		return nil, nil
	}

	p := prompts.AttributePages(facts, content)
	resp, err := e.client.ChatWithStructuredOutput(ctx, []Message{
		NewSystemMessage(p.System),
		NewUserMessage(p.User),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to attribute pages: %w", err)
	}

	raw := cleanResponse(resp.Content)
	var payload struct {
		Pages []pageAssignment `json:"pages"`
	}
	if err := unmarshalLenient(raw, &payload); err != nil {
		return nil, NewMalformedResponseError(fmt.Sprintf("invalid page attribution: %v", err), resp.Content)
	}

	pages := make(map[string]int, len(payload.Pages))
	for _, a := range payload.Pages {
		if a.Fact < 0 || a.Fact >= len(facts) || a.Page <= 0 {
			continue
		}
		if _, seen := pages[facts[a.Fact]]; !seen {
			pages[facts[a.Fact]] = a.Page
		}
	}
	return pages, nil
}

// ParseFactList decodes a model response into fact strings. Accepted shapes
// are {"facts": [...]}, a bare JSON array and a YAML list; list items may be
// strings or objects with a "fact" or "text" field. Damaged JSON is repaired
// before decoding. Items are trimmed, blanks dropped and duplicates removed.
func ParseFactList(response string) ([]string, error) {
	raw := cleanResponse(response)
	if raw == "" {
		return nil, NewEmptyResponseError("the LLM returned no facts")
	}

	var decoded any
	if err := unmarshalLenient(raw, &decoded); err != nil {
		return nil, NewMalformedResponseError(fmt.Sprintf("invalid fact list: %v", err), response)
	}

	items, ok := factItems(decoded)
	if !ok {
		return nil, NewMalformedResponseError("fact list has unexpected shape", response)
	}

	facts := make([]string, 0, len(items))
	for _, item := range items {
		var text string
		switch v := item.(type) {
		case string:
			text = v
		case map[string]any:
			text = stringField(v, "fact", "text")
		}
		text = strings.TrimSpace(text)
		if text != "" {
			facts = append(facts, text)
		}
	}
	return utils.UniqueStrings(facts), nil
}

func factItems(decoded any) ([]any, bool) {
	switch v := decoded.(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, key := range []string{"facts", "Facts", "items"} {
			if list, ok := v[key].([]any); ok {
				return list, true
			}
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

// cleanResponse strips reasoning blocks and markdown fences.
func cleanResponse(s string) string {
	s = thinkTagPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if m := codeFencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	return s
}

// unmarshalLenient decodes JSON, falling back to jsonrepair for JSON-looking
// text and to YAML otherwise.
func unmarshalLenient(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}

	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		repaired, err := jsonrepair.JSONRepair(raw)
		if err != nil {
			return fmt.Errorf("failed to repair JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return fmt.Errorf("failed to decode repaired JSON: %w", err)
		}
		return nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &node); err != nil {
		return fmt.Errorf("failed to decode YAML: %w", err)
	}
	if len(node.Content) == 0 || node.Content[0].Kind == yaml.ScalarNode {
		return fmt.Errorf("response is neither JSON nor a YAML collection")
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("failed to decode YAML: %w", err)
	}
	return nil
}
