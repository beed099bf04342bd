package soap

import (
	"bytes"
	"strconv"
)

// Envelope namespaces.
const (
	NS11 = "http://schemas.xmlsoap.org/soap/envelope/"
	NS12 = "http://www.w3.org/2003/05/soap-envelope"
)

// Version selects the SOAP framing.
type Version int

const (
	V12 Version = iota
	V11
)

func (v Version) String() string {
	if v == V11 {
		return "1.1"
	}
	return "1.2"
}

// Namespace returns the envelope namespace of v.
func (v Version) Namespace() string {
	if v == V11 {
		return NS11
	}
	return NS12
}

// ContentType returns the Content-Type header for a request. SOAP 1.2
// carries the action as a media type parameter.
func (v Version) ContentType(action string) string {
	if v == V11 {
		return "text/xml; charset=utf-8"
	}
	if action == "" {
		return "application/soap+xml; charset=utf-8"
	}
	return "application/soap+xml; charset=utf-8; action=" + strconv.Quote(action)
}

// SOAPAction returns the SOAPAction header value, which only SOAP 1.1 uses.
func (v Version) SOAPAction(action string) (string, bool) {
	if v != V11 {
		return "", false
	}
	return strconv.Quote(action), true
}

// Envelope wraps payload in a SOAP envelope with an empty header-less body.
// A leading XML declaration in payload is dropped.
func Envelope(v Version, payload []byte) []byte {
	prefix := "soap12"
	if v == V11 {
		prefix = "soap"
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<` + prefix + `:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:` + prefix + `="` + v.Namespace() + `">`)
	buf.WriteString(`<` + prefix + `:Body>`)
	buf.Write(StripDeclaration(payload))
	buf.WriteString(`</` + prefix + `:Body></` + prefix + `:Envelope>`)
	return buf.Bytes()
}

// StripDeclaration removes a leading <?xml ...?> declaration and the
// whitespace around it.
func StripDeclaration(data []byte) []byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if end := bytes.Index(trimmed, []byte("?>")); end >= 0 {
			trimmed = bytes.TrimLeft(trimmed[end+2:], " \t\r\n")
		}
	}
	return trimmed
}
