package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/sjson"
)

// Login exchanges the configured credentials for a new access token. The
// password and signature are sent as configured; they are expected to be
// encrypted already.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx)
}

// login must be called with loginMu held.
func (c *Client) login(ctx context.Context) error {
	body := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"username", c.config.Username},
		{"password", c.config.Password},
		{"signature", c.config.Signature},
		{"captcha", ""},
		{"checkKey", time.Now().UnixMilli()},
	} {
		if body, err = sjson.SetBytes(body, kv.path, kv.value); err != nil {
			return fmt.Errorf("failed to build login body: %w", err)
		}
	}

	res, err := c.send(ctx, request{
		name:   "login",
		method: resty.MethodPost,
		path:   c.config.Endpoints.Login,
		body:   body,
	}, "")
	if err != nil {
		upstreamLoginCount.WithLabelValues("error").Inc()
		log.Errorf("Login as %s failed: %v", c.config.Username, err)
		return fmt.Errorf("%w: login failed: %v", ErrAuthExpired, err)
	}

	token := res.Get("token").String()
	if token == "" {
		upstreamLoginCount.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: login response carries no token", ErrAuthExpired)
	}

	c.setToken(token)
	upstreamLoginCount.WithLabelValues("ok").Inc()
	log.Infof("Logged in to %s as %s", c.config.BaseURL, c.config.Username)

	if c.tokens != nil {
		if err := c.tokens.Save(token); err != nil {
			log.Warnf("Failed to persist access token: %v", err)
		}
	}
	return nil
}
