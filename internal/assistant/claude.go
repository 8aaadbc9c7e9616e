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

// ClaudeClient drives the `claude` CLI in headless mode with NDJSON stream
// output.
type ClaudeClient struct {
	// Binary defaults to "claude".
	Binary string
}

func (c *ClaudeClient) Type() store.AssistantType { return store.AssistantClaude }

// streamEvent is one NDJSON line from --output-format stream-json. Only the
// fields the control plane consumes are declared.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type assistantMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
}

func (c *ClaudeClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	bin := c.Binary
	if bin == "" {
		bin = "claude"
	}

	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.SessionIDToResume != "" {
		args = append(args, "--resume", req.SessionIDToResume)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.WorkingDirectory

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	var (
		sessionID string
		resultTxt string
		textParts []string
		isError   bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("skipping unparseable claude event", "error", err)
			continue
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		switch ev.Type {
		case "assistant":
			var msg assistantMessage
			if err := json.Unmarshal(ev.Message, &msg); err != nil {
				continue
			}
			for _, block := range msg.Content {
				if block.Type == "text" && block.Text != "" {
					textParts = append(textParts, block.Text)
					if req.OnChunk != nil {
						req.OnChunk(block.Text)
					}
				}
			}
		case "result":
			resultTxt = ev.Result
			isError = ev.IsError
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("claude exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read claude output: %w", scanErr)
	}
	if isError {
		return nil, fmt.Errorf("claude reported error: %s", resultTxt)
	}

	text := resultTxt
	if text == "" {
		text = strings.Join(textParts, "")
	}
	return &InvokeResult{SessionID: sessionID, Text: text}, nil
}
