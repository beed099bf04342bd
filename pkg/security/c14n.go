package security

import (
	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
)

// elementCanonicalizer is implemented by signedxml algorithms that work on
// a parsed tree instead of a serialized string.
type elementCanonicalizer interface {
	ProcessElement(elem *etree.Element, transformXML string) (string, error)
}

// canonicalize returns the C14N form of elem as a standalone node, with
// any enveloped Signature below it removed.
//
// Namespace declarations inherited from ancestors are copied onto a detached
// copy first, nearest ancestor winning, so the output does not depend on
// where elem sits in its document.
func canonicalize(elem *etree.Element) (string, error) {
	detached := elem.Copy()
	removeSignatures(detached)
	declareInScope(detached, elem)

	doc := etree.NewDocument()
	doc.SetRoot(detached)

	alg, ok := signedxml.CanonicalizationAlgorithms[AlgorithmC14N]
	if !ok {
		// Fiscal documents only bind namespaces that are visibly used,
		// so the exclusive form is byte-identical for them.
		exc := signedxml.ExclusiveCanonicalization{WithComments: false}
		return exc.ProcessElement(detached, "")
	}
	if ec, ok := alg.(elementCanonicalizer); ok {
		return ec.ProcessElement(detached, "")
	}
	serialized, err := doc.WriteToString()
	if err != nil {
		return "", err
	}
	return alg.Process(serialized, "")
}

// declareInScope adds to dst the xmlns attributes that src inherits.
func declareInScope(dst, src *etree.Element) {
	seen := make(map[string]bool)
	for _, a := range dst.Attr {
		if isNamespaceDecl(a) {
			seen[a.FullKey()] = true
		}
	}
	for p := src.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if !isNamespaceDecl(a) || seen[a.FullKey()] {
				continue
			}
			seen[a.FullKey()] = true
			dst.CreateAttr(a.FullKey(), a.Value)
		}
	}
}

func isNamespaceDecl(a etree.Attr) bool {
	return (a.Space == "" && a.Key == "xmlns") || a.Space == "xmlns"
}

// removeSignatures drops every dsig Signature element below root.
func removeSignatures(root *etree.Element) int {
	removed := 0
	for _, child := range root.ChildElements() {
		if child.Tag == "Signature" && child.NamespaceURI() == NSXMLDSig {
			root.RemoveChild(child)
			removed++
			continue
		}
		removed += removeSignatures(child)
	}
	return removed
}

// findReference returns the root when it has an Id, otherwise the first
// descendant in document order that has one.
func findReference(root *etree.Element) *etree.Element {
	if root.SelectAttr("Id") != nil {
		return root
	}
	return firstWithID(root)
}

func firstWithID(e *etree.Element) *etree.Element {
	for _, child := range e.ChildElements() {
		if child.SelectAttr("Id") != nil {
			return child
		}
		if found := firstWithID(child); found != nil {
			return found
		}
	}
	return nil
}

func findByID(root *etree.Element, id string) *etree.Element {
	if root.SelectAttrValue("Id", "") == id {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findByID(child, id); found != nil {
			return found
		}
	}
	return nil
}
