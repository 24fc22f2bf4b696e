package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type clientOptions struct {
	baseURL string
	timeout time.Duration
	json    bool
}

// opsClient is a thin JSON client for the worker ops API.
type opsClient struct {
	baseURL string
	http    *http.Client
}

// apiError carries a non-2xx response from the ops API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ops api returned %d", e.Status)
	}
	return fmt.Sprintf("ops api returned %d: %s", e.Status, e.Message)
}

func (o *clientOptions) client() *opsClient {
	return &opsClient{
		baseURL: strings.TrimRight(o.baseURL, "/"),
		http:    &http.Client{Timeout: o.timeout},
	}
}

// do sends body as JSON and decodes the response into out. Status codes in
// okStatus are accepted; 503 bodies are decoded too so health can be shown.
func (c *opsClient) do(ctx context.Context, method, path string, body, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if !statusAllowed(resp.StatusCode, okStatus) {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusAllowed(status int, allowed []int) bool {
	if len(allowed) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
