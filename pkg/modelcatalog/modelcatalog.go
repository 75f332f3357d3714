// Package modelcatalog validates the provider/model identifiers a
// workspace's config.yml names before an orchestrator (component G) is
// ever handed them, so a typo'd model fails at startup instead of
// wasting a turn. It never calls an LLM: spec.md §1's Non-goals state
// "the core does not implement the LLM itself", so the SDKs here are
// wired only for client construction and, for the ollama provider,
// a local-availability check — never a completion call.
//
// Grounded on the teacher's pkg/agent/internal/llmimpl/* client
// wrappers (one file per provider, each a thin construction shim over
// the vendor SDK) — generalized from "build a client that can
// complete a prompt" to "build a client that can confirm a model
// identifier is plausible".
package modelcatalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/lucky401/carrunner/pkg/errkind"
)

// Provider is the closed set of model backends spec.md's config surface
// and the agent clients (component D) can name.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderGoogle    Provider = "google"
)

// knownPrefixes bounds the identifier shapes each hosted provider issues.
// Ollama is excluded: local model names are whatever the operator pulled,
// so its validation is a live catalog check instead (see CheckOllamaPulled).
var knownPrefixes = map[Provider][]string{
	ProviderAnthropic: {"claude-"},
	ProviderOpenAI:    {"gpt-", "o1-", "o3-", "o4-", "chatgpt-"},
	ProviderGoogle:    {"gemini-"},
}

// ValidateModelID checks modelID against the provider's known naming
// shape and, for the hosted providers, that a client can actually be
// constructed from the supplied credential (catching an empty/malformed
// API key before the first turn rather than mid-run).
func ValidateModelID(provider Provider, modelID, apiKey string) error {
	if modelID == "" {
		return errkind.New(errkind.Validation, "model id must not be empty")
	}

	switch provider {
	case ProviderAnthropic:
		if _, err := newAnthropicClient(apiKey); err != nil {
			return err
		}
		return checkPrefix(provider, modelID)

	case ProviderOpenAI:
		if _, err := newOpenAIClient(apiKey); err != nil {
			return err
		}
		return checkPrefix(provider, modelID)

	case ProviderGoogle:
		if _, err := newGoogleClient(apiKey); err != nil {
			return err
		}
		return checkPrefix(provider, modelID)

	case ProviderOllama:
		// No static prefix table: local model names are operator-chosen.
		// Availability is checked live via CheckOllamaPulled instead.
		return nil

	default:
		return errkind.New(errkind.Validation, fmt.Sprintf("unknown model provider %q", provider))
	}
}

func checkPrefix(provider Provider, modelID string) error {
	for _, prefix := range knownPrefixes[provider] {
		if strings.HasPrefix(modelID, prefix) {
			return nil
		}
	}
	return errkind.New(errkind.Validation, fmt.Sprintf("model id %q does not look like a %s model", modelID, provider))
}

func newAnthropicClient(apiKey string) (anthropic.Client, error) {
	if apiKey == "" {
		return anthropic.Client{}, errkind.New(errkind.Validation, "anthropic: missing API key")
	}
	return anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)), nil
}

func newOpenAIClient(apiKey string) (openai.Client, error) {
	if apiKey == "" {
		return openai.Client{}, errkind.New(errkind.Validation, "openai: missing API key")
	}
	return openai.NewClient(openaioption.WithAPIKey(apiKey)), nil
}

func newGoogleClient(apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errkind.New(errkind.Validation, "google: missing API key")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, "google: constructing client", err)
	}
	return client, nil
}

// CheckOllamaPulled confirms modelID is present in the local ollama
// daemon's model list at baseURL. Unlike the hosted providers, this is a
// live call — ollama is the one variant where "is this model available"
// is cheap and local rather than an unverifiable naming guess.
func CheckOllamaPulled(ctx context.Context, baseURL, modelID string) error {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return errkind.Wrap(errkind.Validation, "ollama: parsing base URL", err)
	}

	client := api.NewClient(parsed, http.DefaultClient)
	resp, err := client.List(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Disconnected, "ollama: listing local models", err)
	}

	for _, m := range resp.Models {
		if m.Name == modelID || m.Model == modelID {
			return nil
		}
	}
	return errkind.New(errkind.Validation, fmt.Sprintf("ollama model %q is not pulled locally", modelID))
}
