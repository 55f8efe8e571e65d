// Package toolcall is the signed HTTP client the orchestrator uses to
// invoke tools on a remote host.
package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pagepilot/pagepilot/core/protocol/envelope"
	"github.com/pagepilot/pagepilot/core/protocol/signing"
	"github.com/pagepilot/pagepilot/core/tool"
)

const (
	defaultTTLSeconds = 300
	defaultTimeout    = 30 * time.Second
)

// Config identifies the remote host and the caller's installation.
type Config struct {
	BaseURL        string
	InstallationID string
	Audience       string
	TTLSeconds     int64
	Timeout        time.Duration
}

// Client signs every outbound request with a fresh call id and parses the
// host's envelope response. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	signer     *signing.Signer
	base       *url.URL
	cfg        Config

	// overridable in tests
	now       func() time.Time
	newCallID func() string
}

func New(cfg Config, signer *signing.Signer) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url required")
	}
	if cfg.InstallationID == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("installation id and audience required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = defaultTTLSeconds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		base:       base,
		cfg:        cfg,
		now:        time.Now,
		newCallID:  uuid.NewString,
	}, nil
}

// Invoke calls one named tool with a JSON argument object.
func (c *Client) Invoke(ctx context.Context, toolName string, args any) (envelope.Envelope, error) {
	return c.Do(ctx, http.MethodPost, "/api/v1/tools/"+toolName, nil, args)
}

// Manifest fetches the tool catalog the host actually exposes.
func (c *Client) Manifest(ctx context.Context) (tool.Manifest, error) {
	env, err := c.Do(ctx, http.MethodGet, "/api/v1/tools", nil, nil)
	if err != nil {
		return nil, err
	}
	var defs []tool.Definition
	if err := env.DecodeData(&defs); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return tool.NewManifest(names...), nil
}

// Do signs and sends one request. The exact body bytes that are hashed into
// the canonical string are the bytes transmitted, so the verifier rebuilds
// an identical canonical form.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (envelope.Envelope, error) {
	var raw []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("encode body: %w", err)
		}
		raw = encoded
	}

	now := c.now().UTC().Unix()
	callID := c.newCallID()
	// Sign the full transmitted path, base prefix included, so a host
	// mounted under a path prefix rebuilds an identical canonical form.
	fullPath := strings.TrimSuffix(c.base.Path, "/") + path
	params := signing.CallParams{
		InstallationID: c.cfg.InstallationID,
		CallID:         callID,
		Timestamp:      now,
		TTL:            c.cfg.TTLSeconds,
		Method:         method,
		Host:           c.base.Host,
		Audience:       c.cfg.Audience,
		Path:           fullPath,
		Query:          query,
		Body:           raw,
	}
	sig, err := c.signer.SignCall(params)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("sign call: %w", err)
	}

	target := *c.base
	target.Path = fullPath
	target.RawQuery = query.Encode()

	var reqBody *bytes.Reader
	if raw != nil {
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("build request: %w", err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	signing.Headers{
		InstallationID: c.cfg.InstallationID,
		CallID:         callID,
		Timestamp:      now,
		TTL:            c.cfg.TTLSeconds,
		Audience:       c.cfg.Audience,
		Signature:      sig,
		Algorithm:      signing.Algorithm,
	}.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	env, err := envelope.Read(resp.Body)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("read envelope from %s: %w", path, err)
	}
	return env, nil
}
