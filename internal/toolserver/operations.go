package toolserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Operation names understood by the tool server.
const (
	OpReadFile       = "file.read"
	OpSearch         = "file.search"
	OpEditFile       = "file.edit"
	OpRunCommand     = "command.run"
	OpCreateArchive  = "archive.create"
	OpExtractArchive = "archive.extract"
	OpDevServer      = "devserver.control"
	OpInjectTemplate = "template.inject"
)

type SearchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type DevServerStatus struct {
	Running bool   `json:"running"`
	Port    int    `json:"port,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (c *Client) ReadFile(ctx context.Context, ep Endpoint, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.call(ctx, ep, OpReadFile, map[string]interface{}{"path": path}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *Client) Search(ctx context.Context, ep Endpoint, query, path string) ([]SearchMatch, error) {
	var out struct {
		Matches []SearchMatch `json:"matches"`
	}
	params := map[string]interface{}{"query": query, "path": path}
	if err := c.call(ctx, ep, OpSearch, params, &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

func (c *Client) EditFile(ctx context.Context, ep Endpoint, path, oldText, newText string) error {
	params := map[string]interface{}{"path": path, "oldText": oldText, "newText": newText}
	return c.call(ctx, ep, OpEditFile, params, nil)
}

func (c *Client) RunCommand(ctx context.Context, ep Endpoint, command string, args []string) (*CommandResult, error) {
	var out CommandResult
	params := map[string]interface{}{"command": command, "args": args}
	if err := c.call(ctx, ep, OpRunCommand, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateArchive packs the workspace tree inside the container.
func (c *Client) CreateArchive(ctx context.Context, ep Endpoint, mountPath string) ([]byte, error) {
	var out struct {
		Data string `json:"data"`
	}
	if err := c.call(ctx, ep, OpCreateArchive, map[string]interface{}{"path": mountPath}, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return data, nil
}

func (c *Client) ExtractArchive(ctx context.Context, ep Endpoint, mountPath string, data []byte) error {
	params := map[string]interface{}{
		"path": mountPath,
		"data": base64.StdEncoding.EncodeToString(data),
	}
	return c.call(ctx, ep, OpExtractArchive, params, nil)
}

// DevServer issues start, stop, restart or status to the dev server supervisor.
func (c *Client) DevServer(ctx context.Context, ep Endpoint, action string) (*DevServerStatus, error) {
	var out DevServerStatus
	if err := c.call(ctx, ep, OpDevServer, map[string]interface{}{"action": action}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InjectTemplate(ctx context.Context, ep Endpoint, templateID, mountPath string) error {
	params := map[string]interface{}{"templateId": templateID, "path": mountPath}
	return c.call(ctx, ep, OpInjectTemplate, params, nil)
}

func (c *Client) call(ctx context.Context, ep Endpoint, op string, params map[string]interface{}, out interface{}) error {
	resp, err := c.Execute(ctx, ep, Request{Operation: op, Params: params})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", op, err)
	}
	return nil
}
