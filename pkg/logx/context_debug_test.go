package logx

import (
	"context"
	"os"
	"strings"
	"testing"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const agentIDKey contextKey = "agent_id"

func TestContextDebugLogging(t *testing.T) {
	// Reset environment
	os.Unsetenv("DEBUG")
	os.Unsetenv("DEBUG_DOMAINS")
	os.Unsetenv("DEBUG_FILE")
	os.Unsetenv("DEBUG_DIR")

	// Reinitialize config
	initDebugFromEnv()

	// Enable debug logging
	SetDebugConfig(true, false, ".")

	// Test basic context debug logging
	ctx := context.WithValue(context.Background(), agentIDKey, "test-agent")

	// This should work since debug is enabled and no domain filtering
	Debug(ctx, "autorunner", "Test message: %s", "hello")

	// Test domain filtering
	SetDebugDomains([]string{"autorunner", "ticketflow"})

	// These should work
	Debug(ctx, "autorunner", "Autorunner message")
	Debug(ctx, "ticketflow", "Ticketflow message")

	// This should be filtered out
	Debug(ctx, "flowctl", "Flowctl message")

	// Test convenience functions
	DebugState(ctx, "autorunner", "transition", "RUNNING", "starting new run")
	DebugMessage(ctx, "autorunner", "TURN", "received turn result")
	DebugFlow(ctx, "autorunner", "run step", "complete", "applied 5 files")
}

func TestEnvironmentVariableConfiguration(t *testing.T) {
	// Test DEBUG=1
	os.Setenv("DEBUG", "1")
	os.Setenv("DEBUG_DOMAINS", "autorunner,ticketflow")

	// Reinitialize
	initDebugFromEnv()

	if !IsDebugEnabled() {
		t.Error("Expected debug to be enabled via DEBUG=1")
	}

	if !IsDebugEnabledForDomain("autorunner") {
		t.Error("Expected autorunner domain to be enabled")
	}

	if !IsDebugEnabledForDomain("ticketflow") {
		t.Error("Expected ticketflow domain to be enabled")
	}

	if IsDebugEnabledForDomain("flowctl") {
		t.Error("Expected flowctl domain to be disabled")
	}

	// Clean up
	os.Unsetenv("DEBUG")
	os.Unsetenv("DEBUG_DOMAINS")
	initDebugFromEnv()
}

func TestDebugToFileFunction(t *testing.T) {
	// Setup temporary directory
	tempDir := t.TempDir()

	// Enable debug with file logging
	SetDebugConfig(true, true, tempDir)

	// logx looks the agent id up under the plain string key "agent_id".
	ctx := context.WithValue(context.Background(), "agent_id", "test-agent") //nolint:staticcheck

	// Test debug to file
	DebugToFile(ctx, "autorunner", "test_debug.log", "Test debug message: %s", "file content")

	// Verify file was created
	content, err := os.ReadFile(tempDir + "/test_debug.log")
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, "Test debug message: file content") {
		t.Errorf("Expected debug message in file, got: %s", contentStr)
	}

	if !strings.Contains(contentStr, "[autorunner]") {
		t.Errorf("Expected domain in file, got: %s", contentStr)
	}

	if !strings.Contains(contentStr, "[test-agent]") {
		t.Errorf("Expected agent ID in file, got: %s", contentStr)
	}
}
