// Package engine is the HTTP client for the local protocol engine's control
// API. The engine runs out of process, owns all cryptography and membership
// state, and exposes a loopback-only REST surface; the websocket feed in the
// protocol package is its asynchronous counterpart.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/internal/protocol"
)

// Client implements protocol.Client against the engine REST API.
type Client struct {
	base string
	http *http.Client
}

// NewClient constructs a Client for the engine at base, e.g.
// "http://127.0.0.1:7700".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Group fetches the authoritative snapshot of a group.
func (c *Client) Group(ctx context.Context, networkID string) (protocol.GroupSnapshot, error) {
	var snap protocol.GroupSnapshot
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(networkID), nil, &snap)
	if isNotFound(err) {
		return protocol.GroupSnapshot{}, protocol.ErrGroupNotFound
	}
	return snap, err
}

// CreateGroup registers a new group under the given invite tag.
func (c *Client) CreateGroup(ctx context.Context, name, description, inviteTag string) (protocol.GroupSnapshot, error) {
	var snap protocol.GroupSnapshot
	err := c.do(ctx, http.MethodPost, "/groups", map[string]string{
		"name":        name,
		"description": description,
		"invite_tag":  inviteTag,
	}, &snap)
	return snap, err
}

// Messages returns decoded messages for a group newer than since.
func (c *Client) Messages(ctx context.Context, networkID string, since time.Time) ([]protocol.Envelope, error) {
	path := "/groups/" + url.PathEscape(networkID) + "/messages?since_ns=" + strconv.FormatInt(since.UnixNano(), 10)
	var envelopes []protocol.Envelope
	err := c.do(ctx, http.MethodGet, path, nil, &envelopes)
	return envelopes, err
}

// OpenSession establishes the outgoing channel for one group.
func (c *Client) OpenSession(ctx context.Context, networkID string) (protocol.Session, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(networkID)+"/sessions", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &session{client: c, id: resp.SessionID}, nil
}

// GroupSecret returns the group's shared secret for key derivation.
func (c *Client) GroupSecret(ctx context.Context, networkID string) ([]byte, error) {
	var resp struct {
		Secret []byte `json:"secret"`
	}
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(networkID)+"/secret", nil, &resp)
	return resp.Secret, err
}

// SetName changes the group name.
func (c *Client) SetName(ctx context.Context, networkID, name string) error {
	return c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(networkID)+"/name", map[string]string{"name": name}, nil)
}

// SetDescription changes the group description.
func (c *Client) SetDescription(ctx context.Context, networkID, description string) error {
	return c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(networkID)+"/description", map[string]string{"description": description}, nil)
}

// SetLocked toggles the group lock.
func (c *Client) SetLocked(ctx context.Context, networkID string, locked bool) error {
	return c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(networkID)+"/locked", map[string]bool{"locked": locked}, nil)
}

// SetImage announces a new image reference.
func (c *Client) SetImage(ctx context.Context, networkID string, ref protocol.ImageRef) error {
	return c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(networkID)+"/image", ref, nil)
}

// RemoveMember removes a member from the group.
func (c *Client) RemoveMember(ctx context.Context, networkID, memberID string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(networkID)+"/members/"+url.PathEscape(memberID), nil, nil)
}

// SetRole changes a member's role.
func (c *Client) SetRole(ctx context.Context, networkID, memberID, role string) error {
	return c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(networkID)+"/members/"+url.PathEscape(memberID)+"/role",
		map[string]string{"role": role}, nil)
}

// RevokeConsent withdraws a member's consent.
func (c *Client) RevokeConsent(ctx context.Context, networkID, memberID string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(networkID)+"/members/"+url.PathEscape(memberID)+"/consent", nil, nil)
}

// SetPermissionPolicy changes who may mutate group metadata.
func (c *Client) SetPermissionPolicy(ctx context.Context, networkID, policy string) error {
	return c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(networkID)+"/permission-policy",
		map[string]string{"policy": policy}, nil)
}

type session struct {
	client *Client
	id     string
}

func (s *session) Publish(ctx context.Context, msg protocol.OutboundMessage) (string, error) {
	var resp struct {
		NetworkID string `json:"network_id"`
	}
	err := s.client.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(s.id)+"/messages", msg, &resp)
	return resp.NetworkID, err
}

func (s *session) PublishReaction(ctx context.Context, reaction protocol.ReactionPayload) error {
	return s.client.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(s.id)+"/reactions", reaction, nil)
}

func (s *session) PublishControl(ctx context.Context, control protocol.ControlPayload) error {
	return s.client.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(s.id)+"/controls", control, nil)
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(s.id), nil, nil)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
