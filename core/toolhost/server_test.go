package toolhost

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pagepilot/pagepilot/core/guard"
	"github.com/pagepilot/pagepilot/core/protocol/envelope"
	"github.com/pagepilot/pagepilot/core/protocol/signing"
	"github.com/pagepilot/pagepilot/core/tool"
	"github.com/pagepilot/pagepilot/core/toolcall"
)

const (
	testInstallation = "inst-1"
	testAudience     = "pagepilot-toolhost"
)

type testHost struct {
	srv    *httptest.Server
	signer *signing.Signer
	client *toolcall.Client
}

func newTestHost(t *testing.T, rateLimit int64) *testHost {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := signing.NewSigner(base64.StdEncoding.EncodeToString(priv))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	g := guard.New(guard.NewRedisStore(rdb), guard.Config{RateLimit: rateLimit})
	server := NewServer(Config{
		Installations: map[string]string{testInstallation: base64.StdEncoding.EncodeToString(pub)},
		Audience:      testAudience,
		SiteName:      "demo",
		MaxBulkSize:   50,
	}, g, tool.DefaultRegistry(), NewContentStore(rdb), nil)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	client, err := toolcall.New(toolcall.Config{
		BaseURL:        srv.URL,
		InstallationID: testInstallation,
		Audience:       testAudience,
	}, signer)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &testHost{srv: srv, signer: signer, client: client}
}

func TestSignedToolRoundTrip(t *testing.T) {
	host := newTestHost(t, 100)
	ctx := context.Background()

	env, err := host.client.Invoke(ctx, "site.env.get", nil)
	if err != nil {
		t.Fatalf("env.get: %v", err)
	}
	var site map[string]any
	if err := env.DecodeData(&site); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if site["site_name"] != "demo" {
		t.Fatalf("unexpected site env: %+v", site)
	}

	env, err = host.client.Invoke(ctx, "content.item.create", map[string]any{"page": "landing", "title": "Landing"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		ItemID string `json:"item_id"`
	}
	if err := env.DecodeData(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.ItemID == "" {
		t.Fatal("expected item id")
	}

	env, err = host.client.Invoke(ctx, "content.inventory.list", nil)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	var inv struct {
		Total int `json:"total"`
	}
	if err := env.DecodeData(&inv); err != nil {
		t.Fatalf("decode inventory: %v", err)
	}
	if inv.Total != 1 {
		t.Fatalf("inventory total: got %d", inv.Total)
	}

	env, err = host.client.Invoke(ctx, "content.item.delete", map[string]any{"item_id": created.ItemID})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !env.OK {
		t.Fatalf("delete rejected: %+v", env.Err)
	}

	// Deleting again reports the item as gone.
	env, err = host.client.Invoke(ctx, "content.item.delete", map[string]any{"item_id": created.ItemID})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if env.OK || env.Err.Code != codeItemNotFound {
		t.Fatalf("second delete: %+v", env)
	}
}

func TestBulkScheduleAndCancel(t *testing.T) {
	host := newTestHost(t, 100)
	ctx := context.Background()

	env, err := host.client.Invoke(ctx, "content.bulk.schedule", map[string]any{"pages": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	var job struct {
		JobID string `json:"job_id"`
	}
	if err := env.DecodeData(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	env, err = host.client.Invoke(ctx, "content.bulk.cancel", map[string]any{"job_id": job.JobID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !env.OK {
		t.Fatalf("cancel rejected: %+v", env.Err)
	}
}

func TestManifestListsTools(t *testing.T) {
	host := newTestHost(t, 100)
	manifest, err := host.client.Manifest(context.Background())
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	for _, name := range tool.DefaultRegistry().Names() {
		if !manifest.Has(name) {
			t.Fatalf("manifest missing %s", name)
		}
	}
}

func TestWrongAudienceRejected(t *testing.T) {
	host := newTestHost(t, 100)
	client, err := toolcall.New(toolcall.Config{
		BaseURL:        host.srv.URL,
		InstallationID: testInstallation,
		Audience:       "somebody-else",
	}, host.signer)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	env, err := client.Invoke(context.Background(), "site.env.get", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if env.OK || env.Err.Code != guard.CodeAudienceMismatch {
		t.Fatalf("expected audience mismatch, got %+v", env)
	}
}

func TestTamperedBodyRejected(t *testing.T) {
	host := newTestHost(t, 100)

	signed := []byte(`{"page":"landing"}`)
	sent := []byte(`{"page":"evil"}`)
	resp := sendRaw(t, host, "content.item.create", uuid.NewString(), signed, sent)
	if resp.OK || resp.Err.Code != guard.CodeBadSignature {
		t.Fatalf("expected bad signature, got %+v", resp)
	}
}

func TestReplayRejected(t *testing.T) {
	host := newTestHost(t, 100)
	body := []byte(`{"page":"landing"}`)
	callID := uuid.NewString()

	first := sendRaw(t, host, "content.item.create", callID, body, body)
	if !first.OK {
		t.Fatalf("first call rejected: %+v", first.Err)
	}
	second := sendRaw(t, host, "content.item.create", callID, body, body)
	if second.OK || second.Err.Code != guard.CodeDuplicateCall {
		t.Fatalf("expected duplicate call, got %+v", second)
	}
}

func TestRateLimitedWithRetryAfter(t *testing.T) {
	host := newTestHost(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env, err := host.client.Invoke(ctx, "site.env.get", nil)
		if err != nil || !env.OK {
			t.Fatalf("call %d: err=%v env=%+v", i, err, env)
		}
	}
	env, err := host.client.Invoke(ctx, "site.env.get", nil)
	if err != nil {
		t.Fatalf("limited call: %v", err)
	}
	if env.OK || env.Err.Code != guard.CodeRateLimited {
		t.Fatalf("expected rate limit, got %+v", env)
	}
	if env.Meta == nil || env.Meta.RetryAfter < 1 {
		t.Fatalf("expected positive retry-after, got %+v", env.Meta)
	}
}

func TestUnknownInstallationRejected(t *testing.T) {
	host := newTestHost(t, 100)
	client, err := toolcall.New(toolcall.Config{
		BaseURL:        host.srv.URL,
		InstallationID: "inst-unknown",
		Audience:       testAudience,
	}, host.signer)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	env, err := client.Invoke(context.Background(), "site.env.get", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if env.OK || env.Err.Code != guard.CodeBadSignature {
		t.Fatalf("expected rejection, got %+v", env)
	}
}

func TestMissingHeadersRejected(t *testing.T) {
	host := newTestHost(t, 100)
	resp, err := http.Post(host.srv.URL+"/api/v1/tools/site.env.get", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	env, err := envelope.Read(resp.Body)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.OK || env.Err.Code != guard.CodeMissingHeaders {
		t.Fatalf("expected missing headers, got %+v", env)
	}
}

// sendRaw signs signedBody but transmits sentBody, letting tests control the
// call id and tamper with the payload.
func sendRaw(t *testing.T, host *testHost, toolName, callID string, signedBody, sentBody []byte) envelope.Envelope {
	t.Helper()

	base, err := url.Parse(host.srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	path := "/api/v1/tools/" + toolName
	now := time.Now().UTC().Unix()

	sig, err := host.signer.SignCall(signing.CallParams{
		InstallationID: testInstallation,
		CallID:         callID,
		Timestamp:      now,
		TTL:            300,
		Method:         http.MethodPost,
		Host:           base.Host,
		Audience:       testAudience,
		Path:           path,
		Body:           signedBody,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, host.srv.URL+path, bytes.NewReader(sentBody))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signing.Headers{
		InstallationID: testInstallation,
		CallID:         callID,
		Timestamp:      now,
		TTL:            300,
		Audience:       testAudience,
		Signature:      sig,
		Algorithm:      signing.Algorithm,
	}.Apply(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	env, err := envelope.Read(resp.Body)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}
