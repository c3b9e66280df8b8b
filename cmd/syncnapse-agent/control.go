package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Client-side flags shared by the subcommands that talk to a running agent.
var (
	controlAddr string
	jsonOutput  bool
)

// controlClient talks to the local agent's control API.
type controlClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// newControlClient resolves the agent address from the --addr flag or
// SYNCNAPSE_AGENT_ADDR, defaulting to the standard local port.
func newControlClient() *controlClient {
	addr := controlAddr
	if addr == "" {
		addr = os.Getenv("SYNCNAPSE_AGENT_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8484"
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}

	return &controlClient{
		baseURL: strings.TrimRight(addr, "/"),
		apiKey:  os.Getenv("SYNCNAPSE_CONTROL_API_KEY"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// call performs one control API request and decodes the JSON response into
// out (which may be nil).
func (c *controlClient) call(method, path string, out any) error {
	return c.callJSON(method, path, nil, out)
}

// callJSON performs a control API request with an optional JSON body.
func (c *controlClient) callJSON(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		// Control API errors are RFC 7807 problem documents.
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if jerr := json.Unmarshal(raw, &problem); jerr == nil && problem.Title != "" {
			return fmt.Errorf("%s: %s", problem.Title, problem.Detail)
		}
		return fmt.Errorf("agent returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// printJSON marshals v to indented JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
