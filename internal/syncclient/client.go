// Package syncclient talks the sync protocol to a remote server over HTTP.
// WebClient satisfies the same contract as a local sync client, so a session
// cannot tell whether its far side is in process or across the network.
package syncclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// WebClient implements sync.Client against a remote sync server.
type WebClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	name string
}

// New creates a web client for the given server.
func New(baseURL, apiKey string) *WebClient {
	return &WebClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		name:    "web client (" + baseURL + ")",
	}
}

// Name implements sync.Client.
func (c *WebClient) Name() string { return c.name }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return e.Code + ": " + e.Message }

type errorResponse struct {
	Error apiError `json:"error"`
}

func (c *WebClient) post(path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sync.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var er errorResponse
		msg := string(respBody)
		if json.Unmarshal(respBody, &er) == nil && er.Error.Code != "" {
			msg = er.Error.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", sync.ErrUnauthorized, msg)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s", sync.ErrServiceUnavailable, msg)
		default:
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// BeginSync implements sync.Client.
func (c *WebClient) BeginSync(sessionID uuid.UUID, settings sync.Settings) (*sync.SessionInfo, error) {
	var info sync.SessionInfo
	if err := c.post("/v1/sync/begin/"+sessionID.String(), settings, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetChanges implements sync.Client.
func (c *WebClient) GetChanges(sessionID uuid.UUID, req sync.Request) (*sync.Page, error) {
	var page sync.Page
	if err := c.post("/v1/sync/changes/"+sessionID.String(), req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ApplyChanges implements sync.Client.
func (c *WebClient) ApplyChanges(sessionID uuid.UUID, changes []sync.Object) ([]sync.Issue, error) {
	var issues []sync.Issue
	if err := c.post("/v1/sync/apply/"+sessionID.String(), changes, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetCorrections implements sync.Client.
func (c *WebClient) GetCorrections(sessionID uuid.UUID, issues []sync.Issue) (*sync.Page, error) {
	var page sync.Page
	if err := c.post("/v1/sync/corrections/"+sessionID.String(), issues, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ApplyCorrections implements sync.Client.
func (c *WebClient) ApplyCorrections(sessionID uuid.UUID, corrections []sync.Object) ([]sync.Issue, error) {
	var issues []sync.Issue
	if err := c.post("/v1/sync/apply-corrections/"+sessionID.String(), corrections, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// EndSync implements sync.Client.
func (c *WebClient) EndSync(sessionID uuid.UUID) (*sync.Statistics, error) {
	var stats sync.Statistics
	if err := c.post("/v1/sync/end/"+sessionID.String(), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
