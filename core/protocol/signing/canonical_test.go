package signing

import (
	"net/url"
	"strings"
	"testing"
)

func baseParams() CallParams {
	return CallParams{
		InstallationID: "5f8a1f3e-64c2-4b3a-9a3d-1c2b3d4e5f60",
		CallID:         "call-001",
		Timestamp:      1700000000,
		TTL:            120,
		Method:         "post",
		Host:           "Site.Example.COM",
		Audience:       "pagepilot-toolhost",
		Path:           "tools/content.item.create",
		Query:          url.Values{"b": {"2"}, "a": {"1"}},
		Body:           []byte(`{"title":"Hello","tags":["a","b"]}`),
	}
}

func TestCanonicalStringFieldOrder(t *testing.T) {
	canonical, err := CanonicalString(baseParams())
	if err != nil {
		t.Fatalf("canonical string: %v", err)
	}
	fields := strings.Split(canonical, "\n")
	if len(fields) != 10 {
		t.Fatalf("expected 10 fields, got %d", len(fields))
	}
	if fields[4] != "POST" {
		t.Fatalf("expected uppercased method, got %q", fields[4])
	}
	if fields[5] != "site.example.com" {
		t.Fatalf("expected lowercased host, got %q", fields[5])
	}
	if fields[7] != "/tools/content.item.create" {
		t.Fatalf("expected normalized path, got %q", fields[7])
	}
	if fields[8] != "a=1&b=2" {
		t.Fatalf("expected sorted query, got %q", fields[8])
	}
	if len(fields[9]) != 64 {
		t.Fatalf("expected hex sha256 body hash, got %q", fields[9])
	}
}

func TestCanonicalStringQueryOrderIndependent(t *testing.T) {
	p1 := baseParams()
	p1.Query, _ = url.ParseQuery("b=2&a=1")
	p2 := baseParams()
	p2.Query, _ = url.ParseQuery("a=1&b=2")

	c1, err := CanonicalString(p1)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	c2, err := CanonicalString(p2)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("query order changed canonical string:\n%s\n%s", c1, c2)
	}
}

func TestCanonicalQuerySortsValuesForSameKey(t *testing.T) {
	q := url.Values{"k": {"z", "a"}}
	if got := CanonicalQuery(q); got != "k=a&k=z" {
		t.Fatalf("expected stable value tie-break, got %q", got)
	}
}

func TestCanonicalQueryReencodes(t *testing.T) {
	q, err := url.ParseQuery("name=hello%20world&x=%2Fpath")
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	got := CanonicalQuery(q)
	if got != "name=hello+world&x=%2Fpath" {
		t.Fatalf("unexpected canonical query: %q", got)
	}
}

func TestBodyHashKeyOrderIndependent(t *testing.T) {
	h1, err := BodyHash([]byte(`{"a":1,"b":{"y":2,"x":3}}`))
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	h2, err := BodyHash([]byte(`{"b":{"x":3,"y":2},"a":1}`))
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("object key order changed body hash")
	}
}

func TestBodyHashEmptyBodyIsEmptyObject(t *testing.T) {
	h1, err := BodyHash(nil)
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	h2, err := BodyHash([]byte(`{}`))
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("absent body should hash as empty object")
	}
}

func TestCanonicalJSONDropsNullMembersPreservesArrays(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b":    nil,
		"a":    []any{3, 1, 2},
		"zeta": "v",
	})
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	want := `{"a":[3,1,2],"zeta":"v"}`
	if string(got) != want {
		t.Fatalf("canonical json mismatch: got %s want %s", got, want)
	}
}

func TestBodyHashPreservesNumberFormatting(t *testing.T) {
	h1, err := BodyHash([]byte(`{"n":1.50}`))
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	h2, err := BodyHash([]byte(`{"n":1.50}`))
	if err != nil {
		t.Fatalf("body hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical bodies hashed differently")
	}
}
