package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// CallParams identifies one tool call for canonical serialization. The
// canonical string is the exact byte sequence signed by the caller and
// rebuilt independently by the verifier from the inbound request.
type CallParams struct {
	InstallationID string
	CallID         string
	Timestamp      int64
	TTL            int64
	Method         string
	Host           string
	Audience       string
	Path           string
	Query          url.Values
	Body           []byte // raw JSON body as transmitted; empty means {}
}

// CanonicalString builds the newline-joined canonical form: installation id,
// call id, timestamp, ttl, uppercased method, lowercased host, audience,
// normalized path, canonical query, and the hex SHA-256 of the canonical
// JSON body.
func CanonicalString(p CallParams) (string, error) {
	bodyHash, err := BodyHash(p.Body)
	if err != nil {
		return "", err
	}
	fields := []string{
		p.InstallationID,
		p.CallID,
		strconv.FormatInt(p.Timestamp, 10),
		strconv.FormatInt(p.TTL, 10),
		strings.ToUpper(p.Method),
		strings.ToLower(p.Host),
		p.Audience,
		normalizePath(p.Path),
		CanonicalQuery(p.Query),
		bodyHash,
	}
	return strings.Join(fields, "\n"), nil
}

// BodyHash returns the hex SHA-256 of the canonical JSON serialization of a
// raw JSON body. An absent body hashes as the empty object.
func BodyHash(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes a value with recursively sorted object keys,
// preserved array order, and nil-valued object members dropped.
func CanonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.Number:
		buf.WriteString(v.String())
		return nil
	case map[string]any:
		return appendCanonicalMap(buf, v)
	case []any:
		return appendCanonicalSlice(buf, v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode canonical json: %w", err)
		}
		buf.Write(encoded)
		return nil
	}
}

func appendCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if m[k] == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := appendCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func appendCanonicalSlice(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// CanonicalQuery re-encodes decoded query pairs and sorts them first by key,
// then by value, joined with '&'. Order of the incoming values is irrelevant.
func CanonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	type pair struct{ key, val string }
	pairs := make([]pair, 0, len(values))
	for key, vals := range values {
		for _, val := range vals {
			pairs = append(pairs, pair{url.QueryEscape(key), url.QueryEscape(val)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].val < pairs[j].val
	})
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.key + "=" + p.val
	}
	return strings.Join(encoded, "&")
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
