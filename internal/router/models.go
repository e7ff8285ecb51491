package router

import "github.com/tjfontaine/llm-tenant-gateway/internal/domain"

// modelTable maps logical model ids to the identifier each provider
// expects. Logical ids absent from the table pass through unchanged so
// new model releases work before the table catches up.
var modelTable = map[domain.Provider]map[string]string{
	domain.ProviderDirectAPI: {
		"claude-opus-4":     "claude-opus-4-20250514",
		"claude-sonnet-4":   "claude-sonnet-4-20250514",
		"claude-sonnet-3.7": "claude-3-7-sonnet-20250219",
		"claude-haiku-3.5":  "claude-3-5-haiku-20241022",
	},
	domain.ProviderHostedInference: {
		"claude-opus-4":     "anthropic.claude-opus-4-20250514-v1:0",
		"claude-sonnet-4":   "anthropic.claude-sonnet-4-20250514-v1:0",
		"claude-sonnet-3.7": "anthropic.claude-3-7-sonnet-20250219-v1:0",
		"claude-haiku-3.5":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	},
}

// RewriteModel translates a caller-supplied logical model id for the
// given provider.
func RewriteModel(provider domain.Provider, logical string) string {
	if mapped, ok := modelTable[provider][logical]; ok {
		return mapped
	}
	return logical
}
