package modelcatalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/pkg/errkind"
)

func TestValidateModelIDAcceptsKnownProviderPrefixes(t *testing.T) {
	require.NoError(t, ValidateModelID(ProviderAnthropic, "claude-sonnet-4-5", "sk-test-key"))
	require.NoError(t, ValidateModelID(ProviderOpenAI, "gpt-4o-mini", "sk-test-key"))
	require.NoError(t, ValidateModelID(ProviderGoogle, "gemini-2.5-pro", "test-key"))
}

func TestValidateModelIDRejectsMismatchedPrefix(t *testing.T) {
	err := ValidateModelID(ProviderAnthropic, "gpt-4o", "sk-test-key")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestValidateModelIDRejectsEmptyModelID(t *testing.T) {
	err := ValidateModelID(ProviderOpenAI, "", "sk-test-key")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestValidateModelIDRejectsMissingAPIKey(t *testing.T) {
	err := ValidateModelID(ProviderOpenAI, "gpt-4o", "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestValidateModelIDSkipsPrefixCheckForOllama(t *testing.T) {
	require.NoError(t, ValidateModelID(ProviderOllama, "llama3.1:8b", ""))
}

func TestValidateModelIDRejectsUnknownProvider(t *testing.T) {
	err := ValidateModelID(Provider("bedrock"), "anthropic.claude-v2", "key")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestCheckOllamaPulledRejectsUnparsableBaseURL(t *testing.T) {
	err := CheckOllamaPulled(context.Background(), "://bad-url", "llama3")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}
