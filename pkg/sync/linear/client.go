// Package linear creates Linear issues for meeting action items.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/otherjamesbrown/meetpipe/pkg/buildinfo"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

// DefaultEndpoint is Linear's GraphQL API.
const DefaultEndpoint = "https://api.linear.app/graphql"

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxErrorBody      = 512
	stage             = "sync_linear"
)

// Issue is the subset of a Linear issue meetpipe reads back.
type Issue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// User is a Linear workspace member.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// IssueInput is the payload for issueCreate and issueUpdate.
type IssueInput struct {
	TeamID      string `json:"teamId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	DueDate     string `json:"dueDate,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
}

// Client is a minimal Linear GraphQL client.
type Client struct {
	endpoint   string
	apiKey     string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEndpoint overrides the API URL.
func WithEndpoint(url string) ClientOption {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps request rate.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithMaxRetries sets retries for 429, 5xx and transport errors.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client authenticated with a personal API key.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(20), 5),
		maxRetries: defaultMaxRetries,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.F("component", "linear_client"))
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("linear HTTP %d: %s", e.Status, e.Body)
}

// query posts a GraphQL document and decodes data into out.
func (c *Client) query(ctx context.Context, doc string, vars map[string]any, out any) error {
	if c.apiKey == "" {
		return mperrors.Configuration("linear api key is not set")
	}
	body, err := json.Marshal(gqlRequest{Query: doc, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal linear request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	var resp gqlResponse
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		// Personal API keys go in the header as-is, without a Bearer prefix.
		req.Header.Set("Authorization", c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", buildinfo.UserAgent("linear"))

		res, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			se := &statusError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
			if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
				c.logger.Debug("retrying linear request", logging.F("status", res.StatusCode))
				return se
			}
			return backoff.Permanent(se)
		}
		resp = gqlResponse{}
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			return backoff.Permanent(fmt.Errorf("decode linear response: %w", err))
		}
		return nil
	}

	var retries uint64
	if c.maxRetries > 0 {
		retries = uint64(c.maxRetries)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return classify(err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return mperrors.New(mperrors.ErrCodeSyncFailed, stage, "linear: "+strings.Join(msgs, "; "), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode linear data: %w", err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden:
			return mperrors.Configuration("linear rejected the api key: %s", se.Body)
		case se.Status == http.StatusTooManyRequests:
			return mperrors.New(mperrors.ErrCodeRateLimit, stage, "linear rate limit", se)
		case se.Status < 500:
			return mperrors.New(mperrors.ErrCodeSyncFailed, stage, "linear request rejected", se)
		}
	}
	return mperrors.ProviderUnavailable("linear", err)
}

const issueFields = `id identifier title url description`

// CreateIssue runs issueCreate.
func (c *Client) CreateIssue(ctx context.Context, in IssueInput) (*Issue, error) {
	var data struct {
		IssueCreate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	err := c.query(ctx, `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) { success issue { `+issueFields+` } }
}`, map[string]any{"input": in}, &data)
	if err != nil {
		return nil, err
	}
	if !data.IssueCreate.Success || data.IssueCreate.Issue == nil {
		return nil, mperrors.New(mperrors.ErrCodeSyncFailed, stage, "linear issueCreate returned success=false", nil)
	}
	c.logger.Info("linear issue created",
		logging.F("identifier", data.IssueCreate.Issue.Identifier),
		logging.F("title", in.Title))
	return data.IssueCreate.Issue, nil
}

// UpdateIssue runs issueUpdate. TeamID in the input is ignored.
func (c *Client) UpdateIssue(ctx context.Context, id string, in IssueInput) (*Issue, error) {
	in.TeamID = ""
	var data struct {
		IssueUpdate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueUpdate"`
	}
	err := c.query(ctx, `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $id, input: $input) { success issue { `+issueFields+` } }
}`, map[string]any{"id": id, "input": in}, &data)
	if err != nil {
		return nil, err
	}
	if !data.IssueUpdate.Success || data.IssueUpdate.Issue == nil {
		return nil, mperrors.New(mperrors.ErrCodeSyncFailed, stage, "linear issueUpdate returned success=false", nil)
	}
	return data.IssueUpdate.Issue, nil
}

// FindIssueByMarker returns the first issue in team whose description
// contains marker, or nil.
func (c *Client) FindIssueByMarker(ctx context.Context, teamID, marker string) (*Issue, error) {
	var data struct {
		Issues struct {
			Nodes []Issue `json:"nodes"`
		} `json:"issues"`
	}
	err := c.query(ctx, `query FindByMarker($team: ID!, $marker: String!) {
  issues(first: 1, filter: { team: { id: { eq: $team } }, description: { contains: $marker } }) {
    nodes { `+issueFields+` }
  }
}`, map[string]any{"team": teamID, "marker": marker}, &data)
	if err != nil {
		return nil, err
	}
	if len(data.Issues.Nodes) == 0 {
		return nil, nil
	}
	return &data.Issues.Nodes[0], nil
}

// Users lists workspace members, following pagination.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	after := ""
	for {
		var data struct {
			Users struct {
				Nodes    []User `json:"nodes"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"users"`
		}
		vars := map[string]any{}
		if after != "" {
			vars["after"] = after
		}
		err := c.query(ctx, `query Users($after: String) {
  users(first: 100, after: $after) {
    nodes { id name email active }
    pageInfo { hasNextPage endCursor }
  }
}`, vars, &data)
		if err != nil {
			return nil, err
		}
		out = append(out, data.Users.Nodes...)
		if !data.Users.PageInfo.HasNextPage || data.Users.PageInfo.EndCursor == "" {
			return out, nil
		}
		after = data.Users.PageInfo.EndCursor
	}
}
