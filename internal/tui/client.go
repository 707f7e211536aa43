package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fentz26/gatekeep/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// actorHeader must match the control plane's actor header.
const actorHeader = "X-Gatekeep-Actor"

// Client wraps HTTP calls to the gatekeep API
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient creates a new API client. An empty actor defaults to
// $USER@hostname.
func NewClient(baseURL, actor string) *Client {
	if actor == "" {
		hostname, _ := os.Hostname()
		actor = fmt.Sprintf("%s@%s", os.Getenv("USER"), hostname)
	}
	return &Client{
		baseURL: baseURL,
		actor:   actor,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Actor is the name recorded on approvals made through this client.
func (c *Client) Actor() string { return c.actor }

// ListRecords fetches records, optionally only those in stage.
func (c *Client) ListRecords(stage models.Stage) ([]models.Record, error) {
	path := "/records"
	if stage != "" {
		path += "?stage=" + url.QueryEscape(string(stage))
	}
	var recs []models.Record
	if err := c.get(path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// GetRecord fetches a single record
func (c *Client) GetRecord(id string) (*models.Record, error) {
	var rec models.Record
	if err := c.get("/records/"+url.PathEscape(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordAudit fetches the newest audit events for a record.
func (c *Client) RecordAudit(id string, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	path := fmt.Sprintf("/records/%s/audit?limit=%d", url.PathEscape(id), limit)
	if err := c.get(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Approve approves a pending record as this client's actor.
func (c *Client) Approve(id string) (*models.Record, error) {
	var rec models.Record
	body := map[string]string{"approved_by": c.actor}
	if err := c.post("/records/"+url.PathEscape(id)+"/approve", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Reject rejects a pending record with reason.
func (c *Client) Reject(id, reason string) (*models.Record, error) {
	var rec models.Record
	body := map[string]string{"rejected_by": c.actor, "reason": reason}
	if err := c.post("/records/"+url.PathEscape(id)+"/reject", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func (c *Client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(path string, data, out any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(actorHeader, c.actor)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
