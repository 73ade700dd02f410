package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/krinkuto11/acefleet/internal/core/domain"
)

// Client speaks the AceStream engine HTTP API: the getstream middleware, the
// per-session stat and command URLs, and the service health endpoint.
type Client struct {
	hc *http.Client
}

// middlewareResponse wraps the engine's JSON envelope
type middlewareResponse struct {
	Response *domain.EngineSession `json:"response"`
	Error    string                `json:"error"`
}

type statResponse struct {
	Response *domain.EngineStats `json:"response"`
	Error    string              `json:"error"`
}

type commandResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// NewClient builds a client with the proxy's connect/read budgets. The
// transport disables compression and caps per-host connections; the engine
// middleware misbehaves otherwise.
func NewClient(connectTimeout, readTimeout time.Duration) *Client {
	return &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				DisableCompression:    true,
				MaxIdleConns:          10,
				MaxConnsPerHost:       10,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: connectTimeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Timeout: readTimeout,
		},
	}
}

// OpenStream enqueues a playback session for the content key and returns the
// middleware's playback/stat/command URLs. Each call uses a fresh PID so
// concurrent opens of different keys never collide in the engine.
func (c *Client) OpenStream(ctx context.Context, host string, port int, keyType, key string) (*domain.EngineSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+host+":"+strconv.Itoa(port)+"/ace/getstream", nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	q.Set(keyType, key)
	q.Set("format", "json")
	q.Set("pid", uuid.NewString())
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var mw middlewareResponse
	if err := json.Unmarshal(body, &mw); err != nil {
		return nil, fmt.Errorf("decode middleware response: %w", err)
	}
	if mw.Error != "" {
		return nil, errors.New(mw.Error)
	}
	if mw.Response == nil || mw.Response.PlaybackURL == "" {
		return nil, errors.New("middleware response missing playback_url")
	}
	return mw.Response, nil
}

// Stats fetches a stat_url snapshot
func (c *Client) Stats(ctx context.Context, statURL string) (*domain.EngineStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var sr statResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode stat response: %w", err)
	}
	if sr.Error != "" {
		return nil, errors.New(sr.Error)
	}
	if sr.Response == nil {
		return nil, errors.New("stat response empty")
	}
	return sr.Response, nil
}

// Stop tells the engine to finish the session behind command_url
func (c *Client) Stop(ctx context.Context, commandURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, commandURL, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Add("method", "stop")
	req.URL.RawQuery = q.Encode()

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	var cr commandResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return fmt.Errorf("decode command response: %w", err)
	}
	if cr.Error != "" {
		return errors.New(cr.Error)
	}
	return nil
}

// Probe checks the engine's service endpoint responds at all
func (c *Client) Probe(ctx context.Context, host string, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+host+":"+strconv.Itoa(port)+"/webui/api/service?method=get_version&format=json", nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("engine returned status %d", res.StatusCode)
	}
	return nil
}
