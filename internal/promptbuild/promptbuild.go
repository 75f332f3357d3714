// Package promptbuild renders the fixed prompt templates doc-chat,
// spec-ingest, and the autorunner hand to the app-server/opencode agents.
//
// Grounded on original_source/core/app_server_prompts.go's template
// constants and its truncate_text/_shrink_prompt pair. The original bounds
// each section by raw character count; this port bounds by token count via
// pkg/utils's tiktoken-go/tokenizer wrapper instead — spec.md says
// truncation happens "by priority order" but is silent on the unit of
// measure, and a real tokenizer is available in the dependency stack, so
// token budgeting is the more faithful measure of what actually fills an
// agent's context window.
package promptbuild

import (
	"fmt"
	"strings"

	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/utils"
)

const truncationMarker = "...[truncated]"

// Budgets bound each prompt section's token count before the rendered
// prompt's overall token count is checked against MaxTokens.
type Budgets struct {
	MessageMaxTokens       int
	DocExcerptMaxTokens    int
	RecentSummaryMaxTokens int
	SpecExcerptMaxTokens   int
	MaxTokens              int
}

// DefaultDocChatBudgets matches the shrink order doc_chat.py's
// build_doc_chat_prompt applies: recent summary drops first, then the doc
// excerpts, then the user's own message.
func DefaultDocChatBudgets() Budgets {
	return Budgets{
		MessageMaxTokens:       800,
		DocExcerptMaxTokens:    1500,
		RecentSummaryMaxTokens: 500,
		MaxTokens:              6000,
	}
}

// DefaultSpecIngestBudgets matches spec_ingest's build_spec_ingest_prompt
// shrink order: the SPEC excerpt drops before the message.
func DefaultSpecIngestBudgets() Budgets {
	return Budgets{
		MessageMaxTokens:     800,
		SpecExcerptMaxTokens: 4000,
		MaxTokens:            6000,
	}
}

// DefaultAutorunnerBudgets matches build_autorunner_prompt's shrink order:
// the previous-run summary drops before the TODO excerpt.
func DefaultAutorunnerBudgets() Budgets {
	return Budgets{
		MessageMaxTokens:       400,
		DocExcerptMaxTokens:    2000,
		RecentSummaryMaxTokens: 1500,
		MaxTokens:              8000,
	}
}

var counter = mustCounter()

func mustCounter() *utils.TokenCounter {
	c, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		return nil
	}
	return c
}

// truncate shortens text to at most maxTokens tokens, appending
// truncationMarker when anything was cut.
func truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if text == "" || counter == nil {
		return text
	}
	if counter.ValidateTokenLimit(text, maxTokens) {
		return text
	}
	return counter.TruncateToTokenLimit(text, maxTokens) + truncationMarker
}

func optionalBlock(tag, content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, content, tag)
}

func displayPath(root, abs string) string {
	if rel := strings.TrimPrefix(abs, root+"/"); rel != abs {
		return rel
	}
	return abs
}

// DocChatDoc is one document's content plus where it came from, for the
// doc-chat prompt's "DOC_BASES" block.
type DocChatDoc struct {
	Content string
	Source  string // "disk" or "draft"
}

// BuildDocChatPrompt renders the doc-chat turn prompt: the five work docs'
// current content, the user's message, and (if present) a recent-run
// summary — ordered exactly as DOC_CHAT_APP_SERVER_TEMPLATE in the
// original.
func BuildDocChatPrompt(cfg *config.RepoConfig, kind, message, recentSummary string, docs map[string]DocChatDoc, budgets Budgets) (string, error) {
	paths, err := docPaths(cfg)
	if err != nil {
		return "", err
	}
	instructions, err := customInstructions(cfg)
	if err != nil {
		return "", err
	}

	messageText := truncate(message, budgets.MessageMaxTokens)
	recentText := truncate(recentSummary, budgets.RecentSummaryMaxTokens)

	var blocks []string
	for _, key := range []string{"todo", "progress", "opinions", "spec", "summary"} {
		doc := docs[key]
		source := doc.Source
		if source == "" {
			source = "disk"
		}
		content := truncate(doc.Content, budgets.DocExcerptMaxTokens)
		if strings.TrimSpace(content) == "" {
			content = "(empty)"
		}
		blocks = append(blocks, fmt.Sprintf("%s [%s] (%s)\n%s", strings.ToUpper(key), paths[key], strings.ToUpper(source), content))
	}
	docsContext := strings.Join(blocks, "\n\n")

	render := func(msg, ctx, recent string) string {
		var b strings.Builder
		fmt.Fprintf(&b, "You are an autonomous coding assistant helping maintain the work docs for this repository.\n\n")
		fmt.Fprintf(&b, "Instructions:\n")
		fmt.Fprintf(&b, "- Use the base doc content below. Drafts (if present) are the authoritative base.\n")
		fmt.Fprintf(&b, "- You may inspect the repo and update the work docs listed when needed.\n")
		fmt.Fprintf(&b, "- If you update docs, edit the files directly. If no changes are needed, do not edit files.\n")
		fmt.Fprintf(&b, "- Respond with a short summary of what you did or found, then a patch if you changed %s.\n\n", strings.ToUpper(kind))
		fmt.Fprintf(&b, "Work docs (paths):\n")
		fmt.Fprintf(&b, "- TODO: %s\n- PROGRESS: %s\n- OPINIONS: %s\n- SPEC: %s\n- SUMMARY: %s\n\n",
			paths["todo"], paths["progress"], paths["opinions"], paths["spec"], paths["summary"])
		fmt.Fprintf(&b, "User request:\n%s\n\n", msg)
		if block := optionalBlock("DOC_BASES", ctx); block != "" {
			fmt.Fprintf(&b, "%s\n\n", block)
		}
		if block := optionalBlock("RECENT_RUN_SUMMARY", recent); block != "" {
			fmt.Fprintf(&b, "%s\n", block)
		}
		if block := optionalBlock("INSTRUCTIONS", instructions); block != "" {
			fmt.Fprintf(&b, "%s\n", block)
		}
		return b.String()
	}

	prompt := render(messageText, docsContext, recentText)
	if budgets.MaxTokens > 0 && counter != nil && !counter.ValidateTokenLimit(prompt, budgets.MaxTokens) {
		recentText = truncate(recentText, budgets.RecentSummaryMaxTokens/2)
		prompt = render(messageText, docsContext, recentText)
		if !counter.ValidateTokenLimit(prompt, budgets.MaxTokens) {
			docsContext = truncate(docsContext, budgets.DocExcerptMaxTokens/2)
			prompt = render(messageText, docsContext, recentText)
		}
	}
	return prompt, nil
}

// BuildSpecIngestPrompt renders the spec-ingest turn prompt: an excerpt of
// the SPEC file plus the user's message, matching
// SPEC_INGEST_APP_SERVER_TEMPLATE.
func BuildSpecIngestPrompt(cfg *config.RepoConfig, message, specContent string, budgets Budgets) (string, error) {
	paths, err := docPaths(cfg)
	if err != nil {
		return "", err
	}
	instructions, err := customInstructions(cfg)
	if err != nil {
		return "", err
	}

	messageText := truncate(message, budgets.MessageMaxTokens)
	specExcerpt := truncate(specContent, budgets.SpecExcerptMaxTokens)

	var b strings.Builder
	fmt.Fprintf(&b, "You are preparing work docs (TODO/PROGRESS/OPINIONS) from the SPEC.\n\n")
	fmt.Fprintf(&b, "SPEC path: %s\nTODO path: %s\nPROGRESS path: %s\nOPINIONS path: %s\n\n", paths["spec"], paths["todo"], paths["progress"], paths["opinions"])
	fmt.Fprintf(&b, "Instructions:\n")
	fmt.Fprintf(&b, "- Read the SPEC and existing docs from disk.\n")
	fmt.Fprintf(&b, "- Edit the TODO, PROGRESS, and OPINIONS files directly to reflect the SPEC.\n")
	fmt.Fprintf(&b, "- The TODO must be a Markdown checklist: `- [ ] task` for open items, `- [x] task` for completed ones.\n")
	fmt.Fprintf(&b, "- Do not use plain bullets or paragraphs for tasks.\n")
	fmt.Fprintf(&b, "- Output a short summary prefixed with \"Agent: \" explaining what you did, followed by a unified-diff patch.\n\n")
	fmt.Fprintf(&b, "User request:\n%s\n\n", messageText)
	if block := optionalBlock("SPEC_EXCERPT", specExcerpt); block != "" {
		fmt.Fprintf(&b, "%s\n", block)
	}
	if block := optionalBlock("INSTRUCTIONS", instructions); block != "" {
		fmt.Fprintf(&b, "%s\n", block)
	}
	return b.String(), nil
}

// BuildAutorunnerPrompt renders the per-run autorunner turn prompt: the
// TODO excerpt and the previous run's summary, matching
// AUTORUNNER_APP_SERVER_TEMPLATE.
func BuildAutorunnerPrompt(cfg *config.RepoConfig, message, todoExcerpt, prevRunSummary string, budgets Budgets) (string, error) {
	paths, err := docPaths(cfg)
	if err != nil {
		return "", err
	}
	instructions, err := customInstructions(cfg)
	if err != nil {
		return "", err
	}

	messageText := truncate(message, budgets.MessageMaxTokens)
	todoText := truncate(todoExcerpt, budgets.DocExcerptMaxTokens)
	prevText := truncate(prevRunSummary, budgets.RecentSummaryMaxTokens)

	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous coding assistant operating on a git repository.\n\n")
	fmt.Fprintf(&b, "Work docs (read from disk as needed):\n")
	fmt.Fprintf(&b, "- TODO: %s\n- PROGRESS: %s\n- OPINIONS: %s\n- SPEC: %s\n- SUMMARY: %s\n\n",
		paths["todo"], paths["progress"], paths["opinions"], paths["spec"], paths["summary"])
	fmt.Fprintf(&b, "Instructions:\n")
	fmt.Fprintf(&b, "- Work through TODO items from top to bottom.\n")
	fmt.Fprintf(&b, "- Prefer fixing issues over documenting them.\n")
	fmt.Fprintf(&b, "- Keep TODO/PROGRESS/OPINIONS/SPEC/SUMMARY in sync.\n")
	fmt.Fprintf(&b, "- Make actual edits in the repo as needed.\n\n")
	fmt.Fprintf(&b, "User request:\n%s\n\n", messageText)
	if block := optionalBlock("TODO_EXCERPT", todoText); block != "" {
		fmt.Fprintf(&b, "%s\n\n", block)
	}
	if block := optionalBlock("PREVIOUS_RUN_SUMMARY", prevText); block != "" {
		fmt.Fprintf(&b, "%s\n", block)
	}
	if block := optionalBlock("INSTRUCTIONS", instructions); block != "" {
		fmt.Fprintf(&b, "%s\n", block)
	}
	return b.String(), nil
}

// customInstructions loads cfg.Root's operator-supplied prompt addendum,
// if any (see pkg/utils.LoadCustomInstructions).
func customInstructions(cfg *config.RepoConfig) (string, error) {
	text, err := utils.LoadCustomInstructions(cfg.Root)
	if err != nil {
		return "", fmt.Errorf("load custom instructions: %w", err)
	}
	return text, nil
}

func docPaths(cfg *config.RepoConfig) (map[string]string, error) {
	paths := map[string]string{}
	for _, kind := range []string{"todo", "progress", "opinions", "spec", "summary"} {
		abs, err := cfg.DocPath(kind)
		if err != nil {
			return nil, err
		}
		paths[kind] = displayPath(cfg.Root, abs)
	}
	return paths, nil
}
