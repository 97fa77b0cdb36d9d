/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"HpcMonitor/internal/util"
)

var log = logrus.WithField("component", "Upstream")

const (
	tokenHeader = "X-Access-Token"

	codeSuccess     = 200
	codeSuccessAlt  = 0
	codeAuthExpired = 401
)

// TokenStore persists the access token across restarts.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
}

// Client talks to the cluster management API. All calls pass through the
// same authentication interceptor, so an expired token is refreshed once no
// matter how many goroutines hit the expiry together.
type Client struct {
	http   *resty.Client
	config util.UpstreamConfig
	tokens TokenStore

	state   sync.RWMutex
	token   string
	version uint64

	loginMu sync.Mutex
	flight  singleflight.Group
}

type request struct {
	name   string
	method string
	path   string
	query  map[string]string
	body   any
}

func NewClient(config util.UpstreamConfig, tokens TokenStore) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(config.BaseURL).
			SetTimeout(config.Timeout).
			SetHeader("Accept", "application/json"),
		config: config,
		tokens: tokens,
	}
	if config.RetryAttempts <= 0 {
		c.config.RetryAttempts = 5
	}

	if tokens != nil {
		token, err := tokens.Load()
		if err != nil {
			log.Warnf("Failed to load saved access token: %v", err)
		} else if token != "" {
			log.Debugf("Reusing saved access token")
			c.token = token
		}
	}

	return c
}

func (c *Client) currentToken() (string, uint64) {
	c.state.RLock()
	defer c.state.RUnlock()
	return c.token, c.version
}

func (c *Client) setToken(token string) {
	c.state.Lock()
	c.token = token
	c.version++
	c.state.Unlock()
}

// do is the authentication interceptor around send.
func (c *Client) do(ctx context.Context, req request) (gjson.Result, error) {
	token, version := c.currentToken()
	res, err := c.send(ctx, req, token)
	if !errors.Is(err, ErrAuthExpired) {
		return res, err
	}

	log.Infof("Access token rejected by %s, reauthenticating", req.name)
	if err := c.reauthenticate(ctx, version); err != nil {
		return gjson.Result{}, err
	}

	token, _ = c.currentToken()
	return c.send(ctx, req, token)
}

// reauthenticate logs in unless the token observed as expired (identified
// by seen) has already been replaced by another caller.
func (c *Client) reauthenticate(ctx context.Context, seen uint64) error {
	_, err, _ := c.flight.Do("login", func() (any, error) {
		c.loginMu.Lock()
		defer c.loginMu.Unlock()

		if _, version := c.currentToken(); version != seen {
			return nil, nil
		}
		return nil, c.login(ctx)
	})
	return err
}

// send performs one HTTP exchange and unwraps the {code, message, result}
// envelope. It never retries and never logs in.
func (c *Client) send(ctx context.Context, req request, token string) (gjson.Result, error) {
	r := c.http.R().SetContext(ctx)
	if token != "" {
		r.SetHeader(tokenHeader, token).
			SetCookie(&http.Cookie{Name: tokenHeader, Value: token})
	}
	query := map[string]string{"_t": strconv.FormatInt(time.Now().UnixMilli(), 10)}
	for k, v := range req.query {
		query[k] = v
	}
	r.SetQueryParams(query)
	if req.body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.body)
	}

	start := time.Now()
	resp, err := r.Execute(req.method, req.path)
	upstreamRequestDuration.WithLabelValues(req.name).Observe(time.Since(start).Seconds())
	if err != nil {
		upstreamRequestCount.WithLabelValues(req.name, "error").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, req.name, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		upstreamRequestCount.WithLabelValues(req.name, "auth_expired").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrAuthExpired, req.name)
	}
	if resp.StatusCode() != http.StatusOK {
		upstreamRequestCount.WithLabelValues(req.name, "error").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s: unexpected status code %d", ErrUpstreamUnavailable, req.name, resp.StatusCode())
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		upstreamRequestCount.WithLabelValues(req.name, "error").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s: malformed response body", ErrUpstreamUnavailable, req.name)
	}

	envelope := gjson.ParseBytes(body)
	code := envelope.Get("code")
	switch {
	case !code.Exists():
		upstreamRequestCount.WithLabelValues(req.name, "error").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s: response without code", ErrUpstreamUnavailable, req.name)
	case code.Int() == codeAuthExpired:
		upstreamRequestCount.WithLabelValues(req.name, "auth_expired").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrAuthExpired, req.name)
	case code.Int() != codeSuccess && code.Int() != codeSuccessAlt:
		upstreamRequestCount.WithLabelValues(req.name, "error").Inc()
		return gjson.Result{}, fmt.Errorf("%w: %s: code %d: %s",
			ErrUpstreamUnavailable, req.name, code.Int(), envelope.Get("message").String())
	}

	result := envelope.Get("result")
	if isEmpty(result) {
		upstreamRequestCount.WithLabelValues(req.name, "empty").Inc()
	} else {
		upstreamRequestCount.WithLabelValues(req.name, "ok").Inc()
	}
	return result, nil
}

func isEmpty(r gjson.Result) bool {
	switch {
	case !r.Exists(), r.Type == gjson.Null:
		return true
	case r.IsArray():
		return len(r.Array()) == 0
	case r.IsObject():
		empty := true
		r.ForEach(func(_, _ gjson.Result) bool {
			empty = false
			return false
		})
		return empty
	case r.Type == gjson.String:
		return r.Str == ""
	}
	return false
}
