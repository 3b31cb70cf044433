package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/tokens"
)

// Schema names, also used as metric and cache labels.
const (
	SchemaUsage    = "usage_list"
	SchemaDetails  = "app_details"
	SchemaCategory = "category"
)

type schema struct {
	name        string
	instruction string
	shape       string
	condense    func(collector.Page, int) string
}

func (s schema) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract structured data from web pages.\n\n")
	b.WriteString(s.instruction)
	b.WriteString("\n\nRespond ONLY with a JSON object of this exact shape:\n")
	b.WriteString(s.shape)
	b.WriteString("\nDo not include any other text or explanation.")
	return b.String()
}

var usageSchema = schema{
	name: SchemaUsage,
	instruction: "Extract every app listed on this page. For each app card or row, return: " +
		"1) the app name, " +
		"2) the full http(s) website URL associated with the app (an actual website link such as " +
		"https://openrouter.ai/apps?url=https%3A%2F%2Fcline.bot%2F, never a bare number or id; " +
		"if no full URL is visible use any domain name shown for the app), " +
		"3) the tokens used value exactly as displayed (for example \"1.2B\" or \"850K\").",
	shape:    `{"apps":[{"name":"string","url":"string","tokensUsed":"string"}]}`,
	condense: condenseListing,
}

var detailsSchema = schema{
	name: SchemaDetails,
	instruction: "Extract the app's name and description from this page. The name is the main " +
		"title or heading of the app; the description is the subtitle or short text that " +
		"explains what the app does.",
	shape:    `{"name":"string","description":"string"}`,
	condense: condenseArticle,
}

var categorySchema = schema{
	name: SchemaCategory,
	instruction: `Analyze this website or application and assign EXACTLY ONE of these categories:

1. "Coding" - code editors, IDEs, development tools, programming assistants, code generation
2. "Marketing" - marketing tools, SEO, content marketing, social media tools, advertising
3. "Personal Assistant" - general AI assistants, productivity helpers, task management, Q&A bots
4. "Roleplay" - character chat, roleplay conversations, entertainment chat, fictional characters
5. "Translation" - language translation tools, localization services
6. "Others" - anything that does not clearly fit the categories above

Use the category name exactly as written above.`,
	shape:    `{"category":"Coding|Marketing|Personal Assistant|Roleplay|Translation|Others"}`,
	condense: condenseArticle,
}

var errEmptyPayload = errors.New("empty model response")

type usagePayload struct {
	Apps *[]struct {
		Name       *string         `json:"name"`
		URL        *string         `json:"url"`
		TokensUsed json.RawMessage `json:"tokensUsed"`
	} `json:"apps"`
}

// decodeUsage validates a usage listing. Entries without a usable URL are
// dropped and counted; everything else is a schema mismatch.
func decodeUsage(raw, baseURL string) ([]collector.UsageEntry, int, error) {
	var payload usagePayload
	if err := decodeObject(raw, &payload); err != nil {
		return nil, 0, err
	}
	if payload.Apps == nil {
		return nil, 0, errors.New(`missing "apps" array`)
	}

	entries := make([]collector.UsageEntry, 0, len(*payload.Apps))
	dropped := 0
	for i, app := range *payload.Apps {
		if app.URL == nil {
			dropped++
			continue
		}
		canonical, ok := CanonicalAppURL(*app.URL, baseURL)
		if !ok {
			dropped++
			continue
		}
		amount, err := amountText(app.TokensUsed)
		if err != nil {
			return nil, 0, fmt.Errorf("apps[%d].tokensUsed: %w", i, err)
		}
		name := ""
		if app.Name != nil {
			name = strings.TrimSpace(*app.Name)
		}
		if name == "" {
			name = hostOf(canonical)
		}
		entries = append(entries, collector.UsageEntry{
			Name:   name,
			URL:    canonical,
			Tokens: tokens.Parse(amount),
		})
	}
	return entries, dropped, nil
}

// amountText accepts the displayed amount as a JSON string or a bare number.
func amountText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", errors.New("missing value")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("decode string: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", fmt.Errorf("expected string or number: %w", err)
	}
	return n.String(), nil
}

func decodeDetails(raw string) (collector.AppDetails, error) {
	var payload struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := decodeObject(raw, &payload); err != nil {
		return collector.AppDetails{}, err
	}
	if payload.Description == nil || strings.TrimSpace(*payload.Description) == "" {
		return collector.AppDetails{}, errors.New(`missing "description"`)
	}
	details := collector.AppDetails{Description: strings.TrimSpace(*payload.Description)}
	if payload.Name != nil {
		details.Name = strings.TrimSpace(*payload.Name)
	}
	return details, nil
}

func decodeCategory(raw string) (collector.Category, error) {
	var payload struct {
		Category *string `json:"category"`
	}
	if err := decodeObject(raw, &payload); err != nil {
		return "", err
	}
	if payload.Category == nil {
		return "", errors.New(`missing "category"`)
	}
	category, err := collector.ParseCategory(*payload.Category)
	if err != nil {
		return "", fmt.Errorf("category: %w", err)
	}
	return category, nil
}

func decodeObject(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return errEmptyPayload
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func hostOf(rawURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.IndexAny(trimmed, "/?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
