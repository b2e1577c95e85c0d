package fhir

import "strings"

// Encoding is a FHIR resource serialization format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingXML  Encoding = "xml"
)

// contentTypeEncodings lists every MIME type and _format shorthand the server
// recognizes, including the pre-R4 "+fhir" suffix forms.
var contentTypeEncodings = map[string]Encoding{
	"application/fhir+json": EncodingJSON,
	"application/json+fhir": EncodingJSON,
	"application/json":      EncodingJSON,
	"json":                  EncodingJSON,
	"application/fhir+xml":  EncodingXML,
	"application/xml+fhir":  EncodingXML,
	"application/xml":       EncodingXML,
	"text/xml":              EncodingXML,
	"xml":                   EncodingXML,
}

// normalizeContentType lowercases, drops parameters such as "; charset=utf-8"
// and restores the "+" that query-string decoding turns into a space.
func normalizeContentType(raw string) string {
	mediaType, _, _ := strings.Cut(raw, ";")
	f := strings.TrimSpace(strings.ToLower(mediaType))
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	f = strings.ReplaceAll(f, "fhir xml", "fhir+xml")
	f = strings.ReplaceAll(f, "json fhir", "json+fhir")
	f = strings.ReplaceAll(f, "xml fhir", "xml+fhir")
	return f
}

// EncodingForContentType maps a MIME type or format code to its Encoding.
func EncodingForContentType(contentType string) (Encoding, bool) {
	enc, ok := contentTypeEncodings[normalizeContentType(contentType)]
	return enc, ok
}

// Encodings recognizes content encodings using the server's static table.
type Encodings struct{}

func (Encodings) Recognize(contentType string) (Encoding, bool) {
	return EncodingForContentType(contentType)
}
