package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"
)

func testKeypair(t *testing.T) (*Signer, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSigner(base64.StdEncoding.EncodeToString(priv))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer, base64.StdEncoding.EncodeToString(pub)
}

func TestSignAndVerify(t *testing.T) {
	signer, pub := testKeypair(t)
	canonical, err := CanonicalString(baseParams())
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	sig := signer.Sign(canonical)
	if err := Verify(pub, sig, canonical); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSignDeterministicAcrossQueryOrder(t *testing.T) {
	signer, _ := testKeypair(t)
	p1 := baseParams()
	p1.Query, _ = url.ParseQuery("b=2&a=1")
	p2 := baseParams()
	p2.Query, _ = url.ParseQuery("a=1&b=2")

	s1, err := signer.SignCall(p1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	s2, err := signer.SignCall(p2)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("same logical request produced different signatures")
	}
}

func TestVerifyRejectsTamperedPathMethodAudience(t *testing.T) {
	signer, pub := testKeypair(t)
	canonical, err := CanonicalString(baseParams())
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	sig := signer.Sign(canonical)

	for name, mutate := range map[string]func(CallParams) CallParams{
		"path":     func(p CallParams) CallParams { p.Path = "/tools/content.bulk.schedule"; return p },
		"method":   func(p CallParams) CallParams { p.Method = "GET"; return p },
		"audience": func(p CallParams) CallParams { p.Audience = "other-host"; return p },
		"body":     func(p CallParams) CallParams { p.Body = []byte(`{"title":"Evil"}`); return p },
	} {
		tampered, err := CanonicalString(mutate(baseParams()))
		if err != nil {
			t.Fatalf("%s: canonical: %v", name, err)
		}
		if err := Verify(pub, sig, tampered); err == nil {
			t.Fatalf("tampered %s verified", name)
		}
	}
}

func TestVerifyRejectsWrongLengths(t *testing.T) {
	signer, pub := testKeypair(t)
	canonical := "x"
	sig := signer.Sign(canonical)

	shortKey := base64.StdEncoding.EncodeToString([]byte("short"))
	if err := Verify(shortKey, sig, canonical); err != ErrBadKeyLength {
		t.Fatalf("expected ErrBadKeyLength, got %v", err)
	}
	shortSig := base64.StdEncoding.EncodeToString([]byte("short"))
	if err := Verify(pub, shortSig, canonical); err != ErrBadSignatureLength {
		t.Fatalf("expected ErrBadSignatureLength, got %v", err)
	}
	if err := Verify("%%%", sig, canonical); err == nil {
		t.Fatalf("expected decode error for invalid base64 key")
	}
}

func TestNewSignerRejectsWrongLength(t *testing.T) {
	if _, err := NewSigner(base64.StdEncoding.EncodeToString([]byte("too-short"))); err != ErrBadKeyLength {
		t.Fatalf("expected ErrBadKeyLength, got %v", err)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	h := Headers{
		InstallationID: "inst-1",
		CallID:         "call-1",
		Timestamp:      1700000000,
		TTL:            120,
		Audience:       "pagepilot-toolhost",
		Signature:      "c2ln",
		Algorithm:      Algorithm,
	}
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/tools/x", nil)
	h.Apply(req)

	parsed, err := ParseHeaders(req)
	if err != nil {
		t.Fatalf("parse headers: %v", err)
	}
	if parsed != h {
		t.Fatalf("headers round trip mismatch: %+v != %+v", parsed, h)
	}
}

func TestParseHeadersRejectsMissingAndBadAlg(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/tools/x", nil)
	if _, err := ParseHeaders(req); err != ErrMissingHeaders {
		t.Fatalf("expected ErrMissingHeaders, got %v", err)
	}

	h := Headers{
		InstallationID: "inst-1",
		CallID:         "call-1",
		Timestamp:      1700000000,
		TTL:            120,
		Audience:       "aud",
		Signature:      "sig",
		Algorithm:      "rsa",
	}
	h.Apply(req)
	if _, err := ParseHeaders(req); err != ErrBadAlgorithm {
		t.Fatalf("expected ErrBadAlgorithm, got %v", err)
	}
}
