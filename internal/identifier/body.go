package identifier

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"github.com/tidwall/gjson"

	"github.com/flowgate/flowgate/internal/bodybuf"
)

// extractBodyField pulls a field value out of a buffered request body.
// Any failure (malformed payload, missing field, file part) yields "" so the
// resolver falls through to the next source.
func extractBodyField(body []byte, contentType, fieldPath string) string {
	switch bodybuf.DetectFamily(contentType) {
	case bodybuf.FamilyJSON:
		return extractJSON(body, fieldPath)
	case bodybuf.FamilyForm:
		return extractForm(body, fieldPath)
	case bodybuf.FamilyXML:
		return extractXML(body, fieldPath)
	case bodybuf.FamilyMultipart:
		return extractMultipart(body, contentType, fieldPath)
	}
	return ""
}

// extractJSON resolves a dot path like "user.id". Scalar leaves are
// stringified; object and array leaves serialize to their JSON text.
func extractJSON(body []byte, path string) string {
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return ""
	}
	if result.IsObject() || result.IsArray() {
		return result.Raw
	}
	return result.String()
}

// extractForm looks up a key in a URL-encoded body.
func extractForm(body []byte, key string) string {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}
	return values.Get(key)
}

// extractXML returns the text of the first element selected by the path.
// Paths are namespace-unaware, e.g. "/order/customer/id" or "customer/id".
func extractXML(body []byte, path string) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return ""
	}
	elem := doc.FindElement(path)
	if elem == nil {
		return ""
	}
	return strings.TrimSpace(elem.Text())
}

// extractMultipart returns the named text part. File parts are not supported.
func extractMultipart(body []byte, contentType, name string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	boundary := params["boundary"]
	if boundary == "" {
		return ""
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			return "" // io.EOF or malformed payload
		}
		if part.FormName() != name || part.FileName() != "" {
			part.Close()
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, 64*1024))
		part.Close()
		if err != nil {
			return ""
		}
		return string(value)
	}
}
