package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/appdriver/launcher"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("appagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at baseURL, e.g. "http://10.0.0.5:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing agent URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("agent URL %q must be http or https", baseURL)
	}

	c := &Client{
		Logger:            log.Named("appagent_client"),
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
}

func appPath(bundleID, op string) string {
	return "/apps/" + url.PathEscape(bundleID) + "/" + op
}

// do sends a request and decodes a JSON response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, method, urlPath string, query url.Values, out interface{}) (int, error) {
	u := c.baseURL + urlPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = strings.TrimSpace(string(b))
		}
		return resp.StatusCode, fmt.Errorf("non-200 HTTP status code %d from %s: %s", resp.StatusCode, urlPath, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodGet, "/heartbeat", nil, nil)
	return err
}

// Launch starts bundleID on the agent's host and returns the new instance ID.
func (c *Client) Launch(ctx context.Context, bundleID string) (string, error) {
	var resp LaunchResponse
	_, err := c.do(ctx, http.MethodPost, appPath(bundleID, "launch"), nil, &resp)
	if err != nil {
		return "", fmt.Errorf("launching %q: %w", bundleID, err)
	}
	return resp.InstanceID, nil
}

// Terminate stops the given instance of bundleID. An empty instanceID stops whichever is running.
func (c *Client) Terminate(ctx context.Context, bundleID, instanceID string) error {
	_, err := c.do(ctx, http.MethodPost, appPath(bundleID, "terminate"), instanceQuery(instanceID), nil)
	if err != nil {
		return fmt.Errorf("terminating %q: %w", bundleID, err)
	}
	return nil
}

// Wait blocks until the instance exits. An instance the agent no longer knows is reported
// as exited with code -1.
func (c *Client) Wait(ctx context.Context, bundleID, instanceID string) (*launcher.Result, error) {
	var resp WaitResponse
	status, err := c.do(ctx, http.MethodGet, appPath(bundleID, "wait"), instanceQuery(instanceID), &resp)
	if status == http.StatusGone {
		return &launcher.Result{ExitCode: -1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for %q: %w", bundleID, err)
	}
	res := &launcher.Result{ExitCode: resp.ExitCode, TimeMS: resp.TimeMS}
	if resp.Error != "" {
		return res, fmt.Errorf("%s", resp.Error)
	}
	return res, nil
}

// ConnectURL is the WebSocket endpoint bridged to the given instance's connection.
func (c *Client) ConnectURL(bundleID, instanceID string) string {
	u := c.baseURL + appPath(bundleID, "connect")
	if q := instanceQuery(instanceID); len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func instanceQuery(instanceID string) url.Values {
	if instanceID == "" {
		return nil
	}
	return url.Values{"instance": {instanceID}}
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
