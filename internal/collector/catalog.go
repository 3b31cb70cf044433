package collector

// DefaultCatalog is the seed list of models scraped on every run.
func DefaultCatalog() []Source {
	return []Source{
		{DisplayName: "Anthropic: Claude 3.7 Sonnet", Key: "anthropic/claude-3.7-sonnet"},
		{DisplayName: "Anthropic: Claude 3.5 Sonnet", Key: "anthropic/claude-3.5-sonnet"},
		{DisplayName: "Anthropic: Claude Sonnet 4", Key: "anthropic/claude-sonnet-4"},
		{DisplayName: "Anthropic: Claude Opus 4", Key: "anthropic/claude-opus-4"},
		{DisplayName: "Anthropic: Claude 3 Opus", Key: "anthropic/claude-3-opus"},

		{DisplayName: "OpenAI: GPT-4.1", Key: "openai/gpt-4.1"},
		{DisplayName: "OpenAI: GPT-4.1 Mini", Key: "openai/gpt-4.1-mini"},
		{DisplayName: "OpenAI: GPT-4.1 Nano", Key: "openai/gpt-4.1-nano"},
		{DisplayName: "OpenAI: o3", Key: "openai/o3"},
		{DisplayName: "OpenAI: o3 Mini", Key: "openai/o3-mini"},
		{DisplayName: "OpenAI: o3 Mini High", Key: "openai/o3-mini-high"},
		{DisplayName: "OpenAI: o4 Mini", Key: "openai/o4-mini"},

		{DisplayName: "Google: Gemini 2.5 Flash", Key: "google/gemini-2.5-flash"},
		{DisplayName: "Google: Gemini 2.5 Pro", Key: "google/gemini-2.5-pro"},
	}
}
