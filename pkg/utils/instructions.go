package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// InstructionsDir is the directory name for operator-supplied prompt
	// customization files.
	InstructionsDir = ".carrunner"
	// InstructionsFile is the filename for repo-wide instructions appended
	// to every agent prompt.
	InstructionsFile = "INSTRUCTIONS.md"

	// InstructionsTokenLimit bounds a custom instructions file so it can't
	// silently crowd out the rest of a prompt (2000 tokens ~ 8000 chars).
	InstructionsTokenLimit = 2000
	// InstructionsCharLimit is the character-count fallback bound applied
	// before the more expensive token count.
	InstructionsCharLimit = 8000
)

// CreateInstructionsDir creates the .carrunner directory with an empty
// INSTRUCTIONS.md and a README describing its purpose, without
// overwriting anything already there.
func CreateInstructionsDir(workDir string) error {
	dir := filepath.Join(workDir, InstructionsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", InstructionsDir, err)
	}

	instructionsPath := filepath.Join(dir, InstructionsFile)
	if _, err := os.Stat(instructionsPath); os.IsNotExist(err) {
		content := "# Instructions\n\n<!-- Appended to every doc-chat, spec-ingest, and autorunner prompt. -->\n<!-- Maximum 2,000 tokens (≈8,000 characters). -->\n"
		if err := os.WriteFile(instructionsPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("create %s: %w", InstructionsFile, err)
		}
	}

	readmePath := filepath.Join(dir, "README.md")
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		readme := `# .carrunner directory

INSTRUCTIONS.md holds project-specific guidance that gets appended to
every agent prompt (doc-chat, spec-ingest, and autorunner turns alike).
Keep it under 2,000 tokens; anything past the limit is rejected rather
than silently truncated.
`
		if err := os.WriteFile(readmePath, []byte(readme), 0644); err != nil {
			return fmt.Errorf("create README.md: %w", err)
		}
	}
	return nil
}

// LoadCustomInstructions reads workDir's INSTRUCTIONS.md, if present.
// A missing file returns an empty string, not an error; an unreadable or
// oversized one does.
func LoadCustomInstructions(workDir string) (string, error) {
	path := filepath.Join(workDir, InstructionsDir, InstructionsFile)

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", InstructionsFile, err)
	}

	text := string(content)
	if len(text) > InstructionsCharLimit {
		return "", fmt.Errorf("%s exceeds character limit of %d (current: %d)", InstructionsFile, InstructionsCharLimit, len(text))
	}
	if tokens := CountTokensSimple(text); tokens > InstructionsTokenLimit {
		return "", fmt.Errorf("%s exceeds token limit of %d (current: %d)", InstructionsFile, InstructionsTokenLimit, tokens)
	}
	return text, nil
}
