package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-cluster/pkg/cluster/catalog"
)

const (
	CommandStart     = "start"
	CommandSummon    = "summon"
	CommandRemove    = "remove"
	CommandFocus     = "focus"
	CommandTerminate = "terminate"
)

// Command is a JSON text frame sent by the UI shell.
type Command struct {
	Type          string                         `json:"type"`
	HostAgent     string                         `json:"host_agent,omitempty"`
	AgentID       string                         `json:"agent_id,omitempty"`
	Personalities map[string]catalog.Personality `json:"personalities,omitempty"`
}

func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	cmd.Type = strings.ToLower(strings.TrimSpace(cmd.Type))
	cmd.AgentID = strings.TrimSpace(cmd.AgentID)
	cmd.HostAgent = strings.TrimSpace(cmd.HostAgent)
	switch cmd.Type {
	case CommandStart, CommandTerminate:
	case CommandSummon, CommandRemove:
		if cmd.AgentID == "" {
			return Command{}, fmt.Errorf("%s: agent_id is required", cmd.Type)
		}
	case CommandFocus:
		// An empty agent_id silences the master bus.
	case "":
		return Command{}, errors.New("command type is required")
	default:
		return Command{}, fmt.Errorf("unsupported command %q", cmd.Type)
	}
	return cmd, nil
}

// LevelsMessage is the periodic meter update.
type LevelsMessage struct {
	Type   string  `json:"type"`
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type WarningMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type agentsResponse struct {
	Lead    string                      `json:"lead"`
	Agents  []catalog.Agent             `json:"agents"`
	Presets []catalog.PersonalityPreset `json:"presets"`
}
