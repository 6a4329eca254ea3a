// Package metadata resolves user identity, workspace descriptors, and
// short-lived connection credentials from the workspace metadata
// service.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// User is the resolved identity of the credential owner.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Capabilities are the workspace's feature flags. Command drivers gate
// on them and degrade to no-ops when a flag is off.
type Capabilities struct {
	Runner      bool `json:"runner"`
	Packager    bool `json:"packager"`
	Interpreter bool `json:"interpreter"`
	MultiFile   bool `json:"multiFile"`
}

// Workspace describes the target sandbox.
type Workspace struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ConnectURL   string       `json:"connectUrl"`
	Capabilities Capabilities `json:"capabilities"`
}

// ConnectRequest asks for a short-lived connection credential.
type ConnectRequest struct {
	Token       string
	WorkspaceID string
	Firewalled  bool
}

// ErrAborted reports that the caller's context ended the request.
var ErrAborted = errors.New("metadata request aborted")

// RetriableError reports a server-side failure the caller may retry.
// This client never retries on its own.
type RetriableError struct {
	Status int
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("metadata service returned status %d (retriable)", e.Status)
}

// Resolver is the metadata collaborator consumed by the session
// manager. Implemented by *Client; tests substitute fakes.
type Resolver interface {
	Identity(ctx context.Context) (*User, error)
	Workspace(ctx context.Context, id string) (*Workspace, error)
	ConnectionToken(ctx context.Context, req ConnectRequest) (string, error)
}

const defaultRequestTimeout = 15 * time.Second

// Client talks GraphQL to the metadata service.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a metadata client. logger may be nil.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger,
	}
}

const (
	identityQuery = `query { currentUser { id username } }`

	workspaceQuery = `query ($id: String!) {
  workspace(id: $id) {
    id name connectUrl
    capabilities { runner packager interpreter multiFile }
  }
}`

	connectionQuery = `query ($id: String!, $firewalled: Boolean!) {
  workspace(id: $id) { connection(firewalled: $firewalled) { token } }
}`
)

// Identity resolves the current user.
func (c *Client) Identity(ctx context.Context) (*User, error) {
	var out struct {
		CurrentUser *User `json:"currentUser"`
	}
	if err := c.query(ctx, identityQuery, nil, &out); err != nil {
		return nil, err
	}
	if out.CurrentUser == nil {
		return nil, fmt.Errorf("metadata service returned no user")
	}
	return out.CurrentUser, nil
}

// Workspace resolves the descriptor for one workspace.
func (c *Client) Workspace(ctx context.Context, id string) (*Workspace, error) {
	var out struct {
		Workspace *Workspace `json:"workspace"`
	}
	vars := map[string]interface{}{"id": id}
	if err := c.query(ctx, workspaceQuery, vars, &out); err != nil {
		return nil, err
	}
	if out.Workspace == nil {
		return nil, fmt.Errorf("workspace %s not found", id)
	}
	return out.Workspace, nil
}

// ConnectionToken exchanges the stored credential for a short-lived
// connection token.
func (c *Client) ConnectionToken(ctx context.Context, req ConnectRequest) (string, error) {
	var out struct {
		Workspace struct {
			Connection struct {
				Token string `json:"token"`
			} `json:"connection"`
		} `json:"workspace"`
	}
	vars := map[string]interface{}{
		"id":         req.WorkspaceID,
		"firewalled": req.Firewalled,
	}
	if err := c.query(ctx, connectionQuery, vars, &out); err != nil {
		return "", err
	}
	if out.Workspace.Connection.Token == "" {
		return "", fmt.Errorf("metadata service returned no connection token")
	}
	return out.Workspace.Connection.Token, nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// query posts one GraphQL request. Aborts map to ErrAborted, 5xx to
// *RetriableError; every other non-2xx status is fatal and re-raised
// as-is.
func (c *Client) query(ctx context.Context, q string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: q, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		return fmt.Errorf("metadata request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &RetriableError{Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("metadata service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var gqlResp graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("metadata query failed: %s", gqlResp.Errors[0].Message)
	}

	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
