package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/headline-goat/autowinner/internal/store"
)

const defaultServerURL = "http://localhost:8080"

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// getTokenFilePath returns the path to the token file
func getTokenFilePath() string {
	// Store token file alongside the database
	dir := filepath.Dir(dbPath)
	return filepath.Join(dir, ".autowinner-token")
}

func readToken() (string, error) {
	data, err := os.ReadFile(getTokenFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no server running. Start with: autowinner serve")
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file is empty. Restart the server with: autowinner serve")
	}
	return token, nil
}

// resolveServerURL prefers --server, then the URL the server stored when it
// started, then the default.
func resolveServerURL(ctx context.Context) string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	url := defaultServerURL
	_ = withStore(func(s *store.SQLiteStore) error {
		if stored, err := s.GetSetting(ctx, "server_url"); err == nil && stored != "" {
			url = stored
		}
		return nil
	})
	return strings.TrimRight(url, "/")
}

// apiClient talks to a running server for operations that act on live
// scheduler or rollout state.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(ctx context.Context) (*apiClient, error) {
	token, err := readToken()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: resolveServerURL(ctx),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
