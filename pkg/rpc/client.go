// Package rpc is the client side of the admin HTTP API.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"schemaver/pkg/changeset"
	"schemaver/pkg/database"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/migration"
	"schemaver/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to one node's admin API.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: defaultTimeout,
			// редиректы разрешены: нода может отправить на лидера
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil
			},
		},
	}
}

// envelope mirrors the server's Response.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
}

// RemoteError is a failed API call. It unwraps to the dberrors sentinel the
// server reported, so errors.Is works across the wire.
type RemoteError struct {
	StatusCode int
	Message    string
	sentinel   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: status=%d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.sentinel }

func sentinelFor(status int, code string) error {
	if code == dberrors.ApplyFailedCode {
		return nil
	}
	if err := dberrors.FromCode(code); err != nil {
		return err
	}
	switch status {
	case http.StatusNotFound:
		return dberrors.ErrNotFound
	case http.StatusBadRequest:
		return dberrors.ErrInvalidArgument
	case http.StatusGatewayTimeout:
		return dberrors.ErrTimeout
	case http.StatusServiceUnavailable:
		return dberrors.ErrUnavailable
	}
	return nil
}

// do performs the request and decodes the envelope's data into out. On a
// non-2xx answer data is still decoded, so partial migrate results survive.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), sentinel: sentinelFor(resp.StatusCode, "")}
		}
		return fmt.Errorf("decode: %w body=%s", err, string(body))
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}

	if resp.StatusCode/100 != 2 {
		msg := env.Error
		if msg == "" {
			msg = string(body)
		}
		remote := &RemoteError{StatusCode: resp.StatusCode, Message: msg, sentinel: sentinelFor(resp.StatusCode, env.Code)}
		if env.Code == dberrors.ApplyFailedCode {
			return applyFailed(out, remote)
		}
		return remote
	}
	return nil
}

func applyFailed(out any, cause error) error {
	res, ok := out.(*migration.Result)
	if !ok || res.Failed == nil {
		return cause
	}
	return &dberrors.ApplyFailedError{Sequence: res.Failed.Sequence, Cause: cause}
}

// Databases lists what the node manages.
func (c *Client) Databases(ctx context.Context) ([]database.Metadata, error) {
	var out []database.Metadata
	if err := c.do(ctx, http.MethodGet, "/api/databases", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Database returns a handle for name. An empty name resolves to the only
// database of the node.
func (c *Client) Database(ctx context.Context, name string) (*RemoteDatabase, error) {
	if name != "" {
		return &RemoteDatabase{c: c, name: name}, nil
	}
	list, err := c.Databases(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) != 1 {
		names := make([]string, 0, len(list))
		for _, m := range list {
			names = append(names, m.Name)
		}
		return nil, fmt.Errorf("--database is required, one of %v: %w", names, dberrors.ErrInvalidArgument)
	}
	return &RemoteDatabase{c: c, name: list[0].Name}, nil
}

// RemoteDatabase drives one database through the admin API.
type RemoteDatabase struct {
	c    *Client
	name string
}

func (d *RemoteDatabase) Name() string { return d.name }

func (d *RemoteDatabase) path(suffix string) string {
	return "/api/databases/" + url.PathEscape(d.name) + suffix
}

func (d *RemoteDatabase) Metadata(ctx context.Context) (database.Metadata, error) {
	var out database.Metadata
	err := d.c.do(ctx, http.MethodGet, d.path(""), &out)
	return out, err
}

func (d *RemoteDatabase) Pending(ctx context.Context) ([]changeset.Summary, error) {
	var out []changeset.Summary
	err := d.c.do(ctx, http.MethodGet, d.path("/pending"), &out)
	return out, err
}

func (d *RemoteDatabase) History(ctx context.Context) ([]migration.AppliedRecord, error) {
	var out []migration.AppliedRecord
	err := d.c.do(ctx, http.MethodGet, d.path("/ledger"), &out)
	return out, err
}

func (d *RemoteDatabase) Install(ctx context.Context) (migration.Result, error) {
	var res migration.Result
	err := d.c.do(ctx, http.MethodPost, d.path("/install"), &res)
	return res, err
}

func (d *RemoteDatabase) Migrate(ctx context.Context) (migration.Result, error) {
	var res migration.Result
	err := d.c.do(ctx, http.MethodPost, d.path("/migrate"), &res)
	return res, err
}

func (d *RemoteDatabase) Rollback(ctx context.Context, seq types.Sequence, force bool) error {
	p := d.path("/rollback/" + strconv.FormatInt(int64(seq), 10))
	if force {
		p += "?force=true"
	}
	return d.c.do(ctx, http.MethodPost, p, nil)
}

func (d *RemoteDatabase) Destroy(ctx context.Context) error {
	return d.c.do(ctx, http.MethodDelete, d.path("?confirm=yes"), nil)
}
