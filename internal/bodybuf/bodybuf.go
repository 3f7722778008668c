// Package bodybuf reads a request body once into memory so the identifier
// resolver can extract fields from it while the upstream still receives the
// full body. Buffering happens only for methods that carry a body and only
// when the matched rule needs it.
package bodybuf

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/logging"
)

// Family is a recognized request payload family.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyJSON
	FamilyForm
	FamilyXML
	FamilyMultipart
)

// DetectFamily maps a Content-Type value to a payload family.
func DetectFamily(contentType string) Family {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return FamilyJSON
	case mt == "application/x-www-form-urlencoded":
		return FamilyForm
	case mt == "application/xml" || mt == "text/xml" || strings.HasSuffix(mt, "+xml"):
		return FamilyXML
	case mt == "multipart/form-data":
		return FamilyMultipart
	}
	return FamilyUnknown
}

type ctxKey struct{}

// cached holds the buffered body and the content type it was read under.
type cached struct {
	body        []byte
	contentType string
}

// bodyMethods are the methods that may carry a request body worth buffering.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Attach buffers the request body when the method carries one and the
// effective content type (the override when set, otherwise the request's)
// belongs to a recognized family. It returns a request whose context carries
// the bytes and whose Body is rewound to serve the upstream. Attaching twice
// is a no-op. Read errors and bodies over maxBytes yield an empty buffer and
// never fail the request; oversized bodies still reach the upstream whole.
func Attach(r *http.Request, contentTypeOverride string, maxBytes int64) *http.Request {
	if !bodyMethods[r.Method] || r.Body == nil {
		return r
	}
	if _, done := fromContext(r.Context()); done {
		return r
	}

	ct := contentTypeOverride
	if ct == "" {
		ct = r.Header.Get("Content-Type")
	}
	if DetectFamily(ct) == FamilyUnknown {
		return r
	}

	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	orig := r.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxBytes+1))
	if err != nil {
		logging.Debug("Failed to read request body", zap.Error(err))
		orig.Close()
		r.Body = io.NopCloser(bytes.NewReader(nil))
		body = nil
	} else if int64(len(body)) > maxBytes {
		// Too large to extract from. Forward the full body untouched and
		// skip caching so the resolver falls through to the next source.
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		ctx := context.WithValue(r.Context(), ctxKey{}, &cached{contentType: ct})
		return r.WithContext(ctx)
	} else {
		orig.Close()
		// Rewind so the upstream sees the original body.
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	ctx := context.WithValue(r.Context(), ctxKey{}, &cached{
		body:        body,
		contentType: ct,
	})
	return r.WithContext(ctx)
}

// FromContext returns the buffered body bytes and the content type they were
// read under. ok is false when no buffering happened for this request.
func FromContext(ctx context.Context) (body []byte, contentType string, ok bool) {
	c, ok := fromContext(ctx)
	if !ok {
		return nil, "", false
	}
	return c.body, c.contentType, true
}

func fromContext(ctx context.Context) (*cached, bool) {
	c, ok := ctx.Value(ctxKey{}).(*cached)
	return c, ok
}
