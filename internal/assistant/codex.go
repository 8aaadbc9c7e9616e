package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// CodexClient drives the `codex` CLI in non-interactive exec mode with JSONL
// event output.
type CodexClient struct {
	// Binary defaults to "codex".
	Binary string
}

func (c *CodexClient) Type() store.AssistantType { return store.AssistantCodex }

type codexEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Item      struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"item,omitempty"`
	Error struct {
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

func (c *CodexClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	bin := c.Binary
	if bin == "" {
		bin = "codex"
	}

	args := []string{"exec", "--json"}
	if req.SessionIDToResume != "" {
		args = append(args, "resume", req.SessionIDToResume)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.WorkingDirectory

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("codex stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex: %w", err)
	}

	var (
		sessionID string
		textParts []string
		runErr    string
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("skipping unparseable codex event", "error", err)
			continue
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		switch ev.Type {
		case "item.completed":
			if ev.Item.Type == "agent_message" && ev.Item.Text != "" {
				textParts = append(textParts, ev.Item.Text)
				if req.OnChunk != nil {
					req.OnChunk(ev.Item.Text)
				}
			}
		case "error":
			runErr = ev.Error.Message
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("codex exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read codex output: %w", scanErr)
	}
	if runErr != "" {
		return nil, fmt.Errorf("codex reported error: %s", runErr)
	}

	return &InvokeResult{SessionID: sessionID, Text: strings.Join(textParts, "\n")}, nil
}
