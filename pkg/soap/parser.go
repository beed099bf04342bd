package soap

import (
	"strings"

	"github.com/beevik/etree"
)

// Response is a parsed response body. Lookups match on local names, so the
// namespace prefix the authority chose does not matter.
type Response struct {
	doc *etree.Document
}

// Parse reads body. Malformed markup is tolerated as far as the decoder
// allows; a body with no element at all is an error.
func Parse(body []byte) (*Response, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, errEmpty
	}
	return &Response{doc: doc}, nil
}

// Root returns the document element.
func (r *Response) Root() *etree.Element { return r.doc.Root() }

// Find returns the first element named tag, in document order.
func (r *Response) Find(tag string) *etree.Element {
	return Find(r.doc.Root(), tag)
}

// FindAll returns every element named tag, in document order.
func (r *Response) FindAll(tag string) []*etree.Element {
	return FindAll(r.doc.Root(), tag)
}

// Text returns the trimmed text of the first element named tag.
func (r *Response) Text(tag string) string {
	return ChildText(r.doc.Root(), tag)
}

// Find returns the first element named tag at or below e.
func Find(e *etree.Element, tag string) *etree.Element {
	if e == nil {
		return nil
	}
	if e.Tag == tag {
		return e
	}
	for _, child := range e.ChildElements() {
		if found := Find(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every element named tag at or below e.
func FindAll(e *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(n *etree.Element) {
		if n.Tag == tag {
			out = append(out, n)
		}
		for _, child := range n.ChildElements() {
			walk(child)
		}
	}
	if e != nil {
		walk(e)
	}
	return out
}

// ChildText returns the trimmed text of the first element named tag at or
// below e, or "".
func ChildText(e *etree.Element, tag string) string {
	found := Find(e, tag)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text())
}

// Serialize writes e as a standalone fragment, declaring the namespaces it
// inherits so it can be embedded elsewhere.
func Serialize(e *etree.Element) ([]byte, error) {
	detached := e.Copy()
	seen := make(map[string]bool)
	for _, a := range detached.Attr {
		seen[a.FullKey()] = true
	}
	for p := e.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			isNS := (a.Space == "" && a.Key == "xmlns") || a.Space == "xmlns"
			if !isNS || seen[a.FullKey()] {
				continue
			}
			seen[a.FullKey()] = true
			detached.CreateAttr(a.FullKey(), a.Value)
		}
	}
	doc := etree.NewDocument()
	doc.SetRoot(detached)
	return doc.WriteToBytes()
}

// FindSection returns the first element named tag as a standalone XML
// fragment.
func FindSection(body []byte, tag string) ([]byte, bool) {
	r, err := Parse(body)
	if err != nil {
		return nil, false
	}
	e := r.Find(tag)
	if e == nil {
		return nil, false
	}
	out, err := Serialize(e)
	if err != nil {
		return nil, false
	}
	return out, true
}

// TagText returns the trimmed text of the first element named tag, or ""
// when the body cannot be parsed or has no such element.
func TagText(body []byte, tag string) string {
	r, err := Parse(body)
	if err != nil {
		return ""
	}
	return r.Text(tag)
}
