package bodybuf

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDetectFamily(t *testing.T) {
	tests := []struct {
		contentType string
		want        Family
	}{
		{"application/json", FamilyJSON},
		{"application/json; charset=utf-8", FamilyJSON},
		{"application/vnd.api+json", FamilyJSON},
		{"application/x-www-form-urlencoded", FamilyForm},
		{"application/xml", FamilyXML},
		{"text/xml", FamilyXML},
		{"application/soap+xml", FamilyXML},
		{"multipart/form-data; boundary=xyz", FamilyMultipart},
		{"text/plain", FamilyUnknown},
		{"", FamilyUnknown},
		{"APPLICATION/JSON", FamilyJSON},
	}
	for _, tt := range tests {
		if got := DetectFamily(tt.contentType); got != tt.want {
			t.Errorf("DetectFamily(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestAttachBuffersAndRewinds(t *testing.T) {
	payload := `{"user":{"id":"u1"}}`
	r := httptest.NewRequest("POST", "/api/orders", strings.NewReader(payload))
	r.Header.Set("Content-Type", "application/json")

	r = Attach(r, "", 0)

	body, contentType, ok := FromContext(r.Context())
	if !ok {
		t.Fatal("Expected buffered body in context")
	}
	if string(body) != payload {
		t.Errorf("Buffered body = %q, want %q", body, payload)
	}
	if contentType != "application/json" {
		t.Errorf("Buffered content type = %q", contentType)
	}

	// The upstream must still see the full body.
	forwarded, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("Reading rewound body: %v", err)
	}
	if string(forwarded) != payload {
		t.Errorf("Rewound body = %q, want %q", forwarded, payload)
	}
}

func TestAttachSkipsBodylessMethods(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/orders", nil)
	r.Header.Set("Content-Type", "application/json")

	r = Attach(r, "", 0)
	if _, _, ok := FromContext(r.Context()); ok {
		t.Error("GET request should not be buffered")
	}
}

func TestAttachSkipsUnknownContentType(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/orders", strings.NewReader("raw bytes"))
	r.Header.Set("Content-Type", "application/octet-stream")

	r = Attach(r, "", 0)
	if _, _, ok := FromContext(r.Context()); ok {
		t.Error("Unknown content type should not be buffered")
	}
}

func TestAttachHonorsContentTypeOverride(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/orders", strings.NewReader(`{"id":"x"}`))
	r.Header.Set("Content-Type", "text/plain")

	r = Attach(r, "application/json", 0)

	_, contentType, ok := FromContext(r.Context())
	if !ok {
		t.Fatal("Expected override to enable buffering")
	}
	if contentType != "application/json" {
		t.Errorf("Expected override content type, got %q", contentType)
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	r := httptest.NewRequest("PUT", "/api/orders", strings.NewReader(`{"id":"x"}`))
	r.Header.Set("Content-Type", "application/json")

	r = Attach(r, "", 0)
	body1, _, _ := FromContext(r.Context())

	r = Attach(r, "", 0)
	body2, _, _ := FromContext(r.Context())

	if string(body1) != string(body2) {
		t.Error("Second attach should not change the buffer")
	}
}

func TestAttachSkipsOversizedBodyButForwardsIt(t *testing.T) {
	big := strings.Repeat("a", 100)
	r := httptest.NewRequest("POST", "/api/orders", strings.NewReader(big))
	r.Header.Set("Content-Type", "application/json")

	r = Attach(r, "", 10)

	body, _, ok := FromContext(r.Context())
	if !ok {
		t.Fatal("Expected buffering marker even for oversized body")
	}
	if len(body) != 0 {
		t.Errorf("Oversized body should not be cached, got %d bytes", len(body))
	}

	forwarded, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("Reading forwarded body: %v", err)
	}
	if string(forwarded) != big {
		t.Errorf("Upstream should receive the full %d bytes, got %d", len(big), len(forwarded))
	}
}
