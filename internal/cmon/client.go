package cmon

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"HpcMonitor/internal/util"
)

// Client reads the hpcmond HTTP API.
type Client struct {
	http *resty.Client
}

func NewClient(server string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(server, "/") + "/api/v1").
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// Get returns the decoded response body of path. Failures are mapped to
// exit codes so commands can return them unchanged.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(path)
	if err != nil {
		return gjson.Result{}, util.NewExitError(util.ErrorNetwork, "Failed to reach hpcmond: %v", err)
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, util.NewExitError(util.ErrorInvalidFormat,
			"Malformed response from %s (status %d)", path, resp.StatusCode())
	}
	res := gjson.ParseBytes(body)

	switch resp.StatusCode() {
	case http.StatusOK:
		return res, nil
	case http.StatusBadRequest:
		return gjson.Result{}, util.NewExitError(util.ErrorCmdArg, "Invalid request: %s", res.Get("detail").String())
	case http.StatusNotFound:
		if strings.HasPrefix(path, "/reports/") {
			return gjson.Result{}, util.NewExitError(util.ErrorReportNotFound, "%s", res.Get("detail").String())
		}
		return gjson.Result{}, util.NewExitError(util.ErrorBackend, "%s not found", path)
	default:
		detail := res.Get("detail").String()
		if detail == "" {
			detail = http.StatusText(resp.StatusCode())
		}
		return gjson.Result{}, util.NewExitError(util.ErrorBackend, "hpcmond returned %d: %s", resp.StatusCode(), detail)
	}
}
