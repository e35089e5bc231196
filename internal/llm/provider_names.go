package llm

import "strings"

// providerAliases maps the common spellings operators actually type (env var
// names, OpenRouter slugs, marketing names) to the adapter key the registry
// is keyed by.
var providerAliases = map[string]string{
	"gemini":    "google",
	"vertexai":  "google",
	"vertex-ai": "google",
	"z-ai":      "zai",
	"azure":     "openai",
	"claude":    "anthropic",
}

// CanonicalProviderName normalizes a provider name to the key adapters
// register themselves under: trimmed, lowercased, and resolved through the
// known alias table.
func CanonicalProviderName(name string) string {
	p := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := providerAliases[p]; ok {
		return alias
	}
	return p
}
