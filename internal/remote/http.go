package remote

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

	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 30 * time.Second
	maxBodyCapture  = 64 << 10
	pathActiveTasks = "/tasks/active"
	pathSubmitTask  = "/tasks"
)

type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSec caps outbound calls. 0 disables the limiter.
	RatePerSec float64
	Client     *http.Client
	UserAgent  string
}

// HTTPClient talks to the service over JSON/HTTP.
type HTTPClient struct {
	base    string
	timeout time.Duration
	hc      *http.Client
	lim     *rate.Limiter
	ua      string
}

var _ Service = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote base url is required")
	}
	c := &HTTPClient{
		base:    base,
		timeout: cfg.Timeout,
		hc:      cfg.Client,
		ua:      cfg.UserAgent,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.ua == "" {
		c.ua = "genqueue"
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c, nil
}

func (c *HTTPClient) PollActive(ctx context.Context) (Activity, error) {
	var a Activity
	body, err := c.do(ctx, http.MethodGet, pathActiveTasks, nil)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(body, &a); err != nil {
		return a, &Failure{StatusCode: http.StatusOK, Body: body, Err: fmt.Errorf("decode activity: %w", err)}
	}
	return a, nil
}

func (c *HTTPClient) Submit(ctx context.Context, s Submission) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, pathSubmitTask, b)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.lim != nil {
		if err := c.lim.Wait(ctx); err != nil {
			return nil, &Failure{Err: err}
		}
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &Failure{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
	if err != nil {
		return nil, &Failure{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &Failure{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
