package cda

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// Namespace is the HL7 v3 namespace every CDA element lives in.
const Namespace = "urn:hl7-org:v3"

// Element is one node of a parsed clinical document. Documents are read
// once and never mutated.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []Element  `xml:",any"`
}

// Document is a parsed clinical document.
type Document struct {
	Root *Element
}

func Parse(r io.Reader) (*Document, error) {
	var root Element
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&root); err != nil {
		return nil, &ParseError{Reason: "malformed document", Err: err}
	}
	return &Document{Root: &root}, nil
}

func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return doc, nil
}

func (e *Element) is(local string) bool {
	return e.XMLName.Space == Namespace && e.XMLName.Local == local
}

// Child returns the first direct child with the given local name.
func (e *Element) Child(local string) *Element {
	if e == nil {
		return nil
	}
	for i := range e.Children {
		if e.Children[i].is(local) {
			return &e.Children[i]
		}
	}
	return nil
}

// ChildrenNamed returns every direct child with the given local name.
func (e *Element) ChildrenNamed(local string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for i := range e.Children {
		if e.Children[i].is(local) {
			out = append(out, &e.Children[i])
		}
	}
	return out
}

// Find follows a path of direct children, e.g. Find("patient", "birthTime").
func (e *Element) Find(path ...string) *Element {
	cur := e
	for _, p := range path {
		cur = cur.Child(p)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindDescendant returns the first element, in document order, reached by
// a descendant named path[0] followed by the direct-child path path[1:].
func (e *Element) FindDescendant(path ...string) *Element {
	all := e.FindAllDescendants(path...)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// FindAllDescendants returns every element reached by a descendant named
// path[0] followed by direct children path[1:], in document order.
func (e *Element) FindAllDescendants(path ...string) []*Element {
	if e == nil || len(path) == 0 {
		return nil
	}
	var out []*Element
	var walk func(n *Element)
	walk = func(n *Element) {
		for i := range n.Children {
			c := &n.Children[i]
			if c.is(path[0]) {
				out = append(out, c.findAll(path[1:])...)
			}
			walk(c)
		}
	}
	walk(e)
	return out
}

func (e *Element) findAll(path []string) []*Element {
	if len(path) == 0 {
		return []*Element{e}
	}
	var out []*Element
	for _, c := range e.ChildrenNamed(path[0]) {
		out = append(out, c.findAll(path[1:])...)
	}
	return out
}

// Attr returns the value of an un-namespaced attribute.
func (e *Element) Attr(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// AttrPtr is Attr returning nil when the element or attribute is missing.
func (e *Element) AttrPtr(name string) *string {
	v, ok := e.Attr(name)
	if !ok {
		return nil
	}
	return &v
}

// Text returns the element's own trimmed character data, or nil when the
// element is missing or carries no text.
func (e *Element) Text() *string {
	if e == nil {
		return nil
	}
	s := strings.TrimSpace(e.Content)
	if s == "" {
		return nil
	}
	return &s
}

func (e *Element) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("<%s>", e.XMLName.Local)
}
