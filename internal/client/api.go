// Package client is the collaborator-side half of a shared workspace: a REST
// client, the live channel and the engine that keeps a local copy of a
// project in sync with the server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/good-yellow-bee/cowork/internal/api/auth"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/pkg/config"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Is maps API errors back onto the model error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case models.ErrAuthorization:
		return e.Status == http.StatusForbidden
	case models.ErrValidation:
		return e.Status == http.StatusBadRequest
	case models.ErrNotFound:
		return e.Status == http.StatusNotFound
	case models.ErrVersionConflict:
		return e.Status == http.StatusConflict && e.Code == "VERSION_CONFLICT"
	case models.ErrConflict:
		return e.Status == http.StatusConflict && e.Code != "VERSION_CONFLICT"
	}
	return false
}

// Snapshot is the authoritative project state returned by the server.
type Snapshot struct {
	Project  models.Project          `json:"project"`
	FileTree models.FileTree         `json:"fileTree"`
	Messages []room.MessagePayload   `json:"messages"`
	Members  []*models.ProjectMember `json:"members"`
}

// AskResult is the reply to a one-shot prompt.
type AskResult struct {
	Text     string          `json:"text"`
	FileTree models.FileTree `json:"fileTree,omitempty"`
}

var userAgent = config.UserAgent("cowork-client")

// Client talks to the REST API as one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	tls     *tls.Config
}

// New creates a client for the server at baseURL (scheme and host, no path).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithTLSConfig sets the TLS configuration for both REST calls and the live
// channel, for servers with a self-signed certificate. A nil cfg is ignored.
func (c *Client) WithTLSConfig(cfg *tls.Config) *Client {
	if cfg == nil {
		return c
	}
	c.tls = cfg
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg
	c.http = &http.Client{Timeout: c.http.Timeout, Transport: transport}
	return c
}

// Self returns the identity carried by the client's token. The signature is
// not checked here; the server does that on every request.
func (c *Client) Self() (models.SenderRef, error) {
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return models.SenderRef{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return models.SenderRef{}, errors.New("token carries no user id")
	}
	return models.SenderRef{ID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
}

// Projects lists the caller's projects.
func (c *Client) Projects(ctx context.Context) ([]models.Project, error) {
	var out []models.Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// Me returns the caller's profile as the server has stored it.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var out models.User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	var out models.Project
	body := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/projects", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindProject resolves a project id or name among the caller's projects.
func (c *Client) FindProject(ctx context.Context, ref string) (*models.Project, error) {
	projects, err := c.Projects(ctx)
	if err != nil {
		return nil, err
	}
	name := models.NormalizeProjectName(ref)
	for i := range projects {
		if projects[i].ID == ref || projects[i].Name == name {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("%w: project %q", models.ErrNotFound, ref)
}

// DeleteProject deletes the project and everything in it.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, nil)
}

// Snapshot fetches the project's current state.
func (c *Client) Snapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	var out Snapshot
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveFileTree replaces the project's tree. A non-nil ifVersion makes the
// write conditional.
func (c *Client) SaveFileTree(ctx context.Context, projectID string, tree models.FileTree, ifVersion *int64) (*models.Project, error) {
	var out models.Project
	var header http.Header
	if ifVersion != nil {
		header = http.Header{"If-Match": {strconv.Quote(strconv.FormatInt(*ifVersion, 10))}}
	}
	body := map[string]models.FileTree{"fileTree": tree}
	if err := c.doWithHeader(ctx, http.MethodPut, "/projects/"+url.PathEscape(projectID)+"/file-tree", header, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage appends a message as the caller.
func (c *Client) PostMessage(ctx context.Context, projectID, message, correlationID string) (*room.MessagePayload, error) {
	var out room.MessagePayload
	body := map[string]string{"message": message, "correlationId": correlationID}
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessageAs appends a message on behalf of a sentinel sender such as
// "ai".
func (c *Client) PostMessageAs(ctx context.Context, projectID, senderID, message string) (*room.MessagePayload, error) {
	var out room.MessagePayload
	body := map[string]string{"message": message, "senderId": senderID}
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages returns the project's chat log.
func (c *Client) Messages(ctx context.Context, projectID string) ([]room.MessagePayload, error) {
	var out []room.MessagePayload
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/messages", nil, &out)
	return out, err
}

// AddMembers adds users by email and returns the resulting member list.
func (c *Client) AddMembers(ctx context.Context, projectID string, emails []string) ([]*models.ProjectMember, error) {
	var out []*models.ProjectMember
	body := map[string][]string{"emails": emails}
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/members", body, &out)
	return out, err
}

// Ask sends a one-shot prompt to the assistant.
func (c *Client) Ask(ctx context.Context, prompt string) (*AskResult, error) {
	var out AskResult
	if err := c.do(ctx, http.MethodGet, "/assistant?prompt="+url.QueryEscape(prompt), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// liveURL returns the WebSocket URL of the project's room.
func (c *Client) liveURL(projectID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/projects/" + projectID + "/ws"
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWithHeader(ctx, method, path, nil, body, out)
}

func (c *Client) doWithHeader(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// decodeAPIError reads the error envelope of a failed response.
func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
