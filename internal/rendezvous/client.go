package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"meshwire/internal/meshwireerr"
)

// Client talks to a Server (or any HTTP-compatible relay implementing
// the same three endpoints) over plain HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) UpsertDevice(ctx context.Context, rec DeviceRecord) error {
	return c.put(ctx, "/devices/"+url.PathEscape(rec.DeviceID), rec)
}

func (c *Client) UpsertMessage(ctx context.Context, rec MessageRecord) error {
	return c.put(ctx, "/messages/"+url.PathEscape(rec.MessageID), rec)
}

func (c *Client) UpsertPresence(ctx context.Context, rec PresenceRecord) error {
	return c.put(ctx, "/presence/"+url.PathEscape(rec.DeviceID), rec)
}

// GetPresence fetches the last presence record upserted for deviceID.
func (c *Client) GetPresence(ctx context.Context, deviceID string) (PresenceRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/presence/"+url.PathEscape(deviceID), nil)
	if err != nil {
		return PresenceRecord{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("%w: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PresenceRecord{}, fmt.Errorf("%w: relay returned %d", meshwireerr.ErrTransportUnavailable, resp.StatusCode)
	}
	var out PresenceRecord
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PresenceRecord{}, fmt.Errorf("%w: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	return out, nil
}

// MessagesFor fetches every relay record addressed to receiverID, the
// fetch Syncer.AdmitPending performs on startup/reconnect (spec §4.9)
// and Driver's poll loop repeats periodically.
func (c *Client) MessagesFor(ctx context.Context, receiverID string) ([]MessageRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/messages?receiver_id="+url.QueryEscape(receiverID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: relay returned %d", meshwireerr.ErrTransportUnavailable, resp.StatusCode)
	}
	var out []MessageRecord
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	return out, nil
}

func (c *Client) put(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: relay returned %d", meshwireerr.ErrTransportUnavailable, resp.StatusCode)
	}
	return nil
}
