// ABOUTME: Writes the per-agent MCP config file handed to the agent CLI.
// ABOUTME: Points the CLI at our approval endpoint with its X-Agent-ID baked in.

package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type mcpServerEntry struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// WriteToolConfig writes the MCP config file for one agent into dir and
// returns its path. The file tells the agent CLI where our approval endpoint
// lives and which agent id to present.
func WriteToolConfig(dir, agentID, endpointURL string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating mcp config directory: %w", err)
	}

	cfg := mcpConfigFile{
		MCPServers: map[string]mcpServerEntry{
			"warren": {
				Type: "http",
				URL:  endpointURL,
				Headers: map[string]string{
					"X-Agent-ID": agentID,
				},
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding mcp config: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("mcp-%s.json", agentID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}
