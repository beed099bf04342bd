package soap

import (
	"errors"
	"net/http"
	"strings"
)

var errEmpty = errors.New("soap: empty response")

// Fault is a SOAP 1.1 or 1.2 fault.
type Fault struct {
	Version Version
	Code    string // faultcode or Code/Value, prefix included
	Subcode string // 1.2 Code/Subcode/Value
	Reason  string // faultstring or Reason/Text
	Detail  string
}

func (f *Fault) Error() string {
	if f.Subcode != "" {
		return "soap fault " + f.Code + " (" + f.Subcode + "): " + f.Reason
	}
	return "soap fault " + f.Code + ": " + f.Reason
}

// LocalCode returns Code without its namespace prefix.
func (f *Fault) LocalCode() string {
	return localName(f.Code)
}

// ParseFault extracts the first Fault element of body.
func ParseFault(body []byte) (*Fault, bool) {
	r, err := Parse(body)
	if err != nil {
		return nil, false
	}
	el := r.Find("Fault")
	if el == nil {
		return nil, false
	}

	if code := el.SelectElement("Code"); code != nil {
		f := &Fault{
			Version: V12,
			Code:    ChildText(code, "Value"),
			Reason:  ChildText(el.SelectElement("Reason"), "Text"),
			Detail:  ChildText(el, "Detail"),
		}
		if sub := code.SelectElement("Subcode"); sub != nil {
			f.Subcode = ChildText(sub, "Value")
		}
		return f, true
	}

	return &Fault{
		Version: V11,
		Code:    ChildText(el, "faultcode"),
		Reason:  ChildText(el, "faultstring"),
		Detail:  ChildText(el, "detail"),
	}, true
}

// unsupportedPhrases mark a rejection of the framing rather than of the
// request content.
var unsupportedPhrases = []string{
	"media type",
	"media-type",
	"mediatype",
	"content type",
	"content-type",
	"version mismatch",
	"versionmismatch",
}

// IsUnsupported reports whether a response means the server does not speak
// the SOAP version that was used: HTTP 415, a VersionMismatch fault code or
// a reason complaining about the media type.
func IsUnsupported(f *Fault, httpStatus int) bool {
	if httpStatus == http.StatusUnsupportedMediaType {
		return true
	}
	if f == nil {
		return false
	}
	if f.LocalCode() == "VersionMismatch" || localName(f.Subcode) == "VersionMismatch" {
		return true
	}
	reason := strings.ToLower(f.Reason)
	for _, phrase := range unsupportedPhrases {
		if strings.Contains(reason, phrase) {
			return true
		}
	}
	return false
}

func localName(qname string) string {
	if i := strings.LastIndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}
