package signing

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Signed request header names. Matching is case-insensitive per net/http.
const (
	HeaderInstallation = "X-PagePilot-Installation"
	HeaderTimestamp    = "X-PagePilot-Timestamp"
	HeaderTTL          = "X-PagePilot-TTL"
	HeaderCallID       = "X-PagePilot-Call-ID"
	HeaderAudience     = "X-PagePilot-Audience"
	HeaderSignature    = "X-PagePilot-Signature"
	HeaderAlgorithm    = "X-PagePilot-Signature-Alg"
)

var (
	ErrMissingHeaders = errors.New("missing or empty signed request headers")
	ErrBadAlgorithm   = errors.New("unsupported signature algorithm")
)

// Headers carries the parsed signed request headers of an inbound call.
type Headers struct {
	InstallationID string
	CallID         string
	Timestamp      int64
	TTL            int64
	Audience       string
	Signature      string
	Algorithm      string
}

// Apply writes the signed headers onto an outbound request.
func (h Headers) Apply(req *http.Request) {
	req.Header.Set(HeaderInstallation, h.InstallationID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(h.Timestamp, 10))
	req.Header.Set(HeaderTTL, strconv.FormatInt(h.TTL, 10))
	req.Header.Set(HeaderCallID, h.CallID)
	req.Header.Set(HeaderAudience, h.Audience)
	req.Header.Set(HeaderSignature, h.Signature)
	req.Header.Set(HeaderAlgorithm, h.Algorithm)
}

// ParseHeaders extracts and validates the signed headers from an inbound
// request. All headers must be present and non-empty before any other
// check runs; the algorithm must be ed25519.
func ParseHeaders(r *http.Request) (Headers, error) {
	h := Headers{
		InstallationID: strings.TrimSpace(r.Header.Get(HeaderInstallation)),
		CallID:         strings.TrimSpace(r.Header.Get(HeaderCallID)),
		Audience:       strings.TrimSpace(r.Header.Get(HeaderAudience)),
		Signature:      strings.TrimSpace(r.Header.Get(HeaderSignature)),
		Algorithm:      strings.TrimSpace(r.Header.Get(HeaderAlgorithm)),
	}
	rawTS := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	rawTTL := strings.TrimSpace(r.Header.Get(HeaderTTL))
	if h.InstallationID == "" || h.CallID == "" || h.Audience == "" ||
		h.Signature == "" || h.Algorithm == "" || rawTS == "" || rawTTL == "" {
		return Headers{}, ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return Headers{}, ErrMissingHeaders
	}
	ttl, err := strconv.ParseInt(rawTTL, 10, 64)
	if err != nil || ttl <= 0 {
		return Headers{}, ErrMissingHeaders
	}
	if !strings.EqualFold(h.Algorithm, Algorithm) {
		return Headers{}, ErrBadAlgorithm
	}
	h.Timestamp = ts
	h.TTL = ttl
	return h, nil
}
