// Package registry talks to the swarm control plane that tracks agent
// definitions. Agents resolve their own definition at startup and fall
// back to local configuration when the registry is unreachable.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mycelis/swarm/internal/config"
)

// AgentSpec is an agent definition as the control plane stores it.
type AgentSpec struct {
	Name         string          `json:"name"`
	Backend      string          `json:"backend"`
	Capabilities []string        `json:"capabilities,omitempty"`
	PromptConfig map[string]any  `json:"prompt_config,omitempty"`
	Messaging    MessagingConfig `json:"messaging"`
	Team         string          `json:"team,omitempty"`
}

type MessagingConfig struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// SystemPrompt extracts the system prompt from the prompt config, empty
// when unset.
func (a *AgentSpec) SystemPrompt() string {
	if a.PromptConfig == nil {
		return ""
	}
	s, _ := a.PromptConfig["system_prompt"].(string)
	return s
}

// Template is a reusable agent archetype offered by the control plane.
type Template struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Role           string   `json:"role"`
	Capabilities   []string `json:"capabilities,omitempty"`
	SystemPrompt   string   `json:"system_prompt_template"`
	DefaultInputs  []string `json:"default_inputs,omitempty"`
	DefaultOutputs []string `json:"default_outputs,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.RegistryConfig) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Register upserts an agent definition.
func (c *Client) Register(ctx context.Context, spec *AgentSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal agent spec: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register agent: %s", readError(resp))
	}
	return nil
}

// List returns every registered agent definition.
func (c *Client) List(ctx context.Context) ([]AgentSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list agents: %s", readError(resp))
	}

	var specs []AgentSpec
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return nil, fmt.Errorf("decode agent list: %w", err)
	}
	return specs, nil
}

// Get resolves a single agent by name, nil when not registered.
func (c *Client) Get(ctx context.Context, name string) (*AgentSpec, error) {
	specs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range specs {
		if specs[i].Name == name {
			return &specs[i], nil
		}
	}
	return nil, nil
}

// Delete removes an agent definition.
func (c *Client) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/agents/"+name, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete agent: %s", readError(resp))
	}
	return nil
}

// Templates returns the agent archetypes the control plane offers.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/templates", nil)
	if err != nil {
		return nil, fmt.Errorf("create templates request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list templates: %s", readError(resp))
	}

	var templates []Template
	if err := json.NewDecoder(resp.Body).Decode(&templates); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	return templates, nil
}

func readError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
}
