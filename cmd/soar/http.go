package main

// ---------------------------------------------------------------------------
// http.go — HTTP client helpers for API communication
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiClient struct {
	base    string
	apiKey  string
	timeout time.Duration
}

// apiError carries the HTTP status and the server's error message.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("authentication failed (HTTP %d): provide --api-key or set SOAR_API_KEY", e.Status)
	}
	return fmt.Sprintf("API returned HTTP %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	url := c.base + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to soar API at %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return data, &apiError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

func (c *apiClient) get(path string, out interface{}) error {
	data, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeInto(data, out)
}

func (c *apiClient) post(path string, payload, out interface{}) error {
	data, err := c.do(http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return decodeInto(data, out)
}

func (c *apiClient) delete(path string) error {
	_, err := c.do(http.MethodDelete, path, nil)
	return err
}

func decodeInto(data []byte, out interface{}) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorMessage pulls {"error": "..."} out of an API error body.
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "EOF")
}

// mustReach exits with a friendly message when no node is listening.
func (c *apiClient) mustReach() {
	if _, err := c.do(http.MethodGet, "/health", nil); err != nil && isConnectionError(err) {
		errorf("cannot reach soar at %s: is it running?", c.base)
	}
}
