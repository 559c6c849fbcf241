package workitem

import (
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// mnode is the tagged intermediate every TCM field is decoded through before
// projection into steps, parameters or value rows. Element and attribute
// names are lowercased so the strict XML path and the tolerant HTML recovery
// path produce comparable trees.
type mnode struct {
	name     string
	attrs    map[string]string
	text     string
	children []*mnode
}

func (n *mnode) attr(key string) string {
	return n.attrs[strings.ToLower(key)]
}

// find returns all descendants (depth-first, document order) with the name.
func (n *mnode) find(name string) []*mnode {
	var out []*mnode
	var walk func(*mnode)
	walk = func(cur *mnode) {
		for _, c := range cur.children {
			if c.name == name {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// child returns the first direct child with the name, or nil.
func (n *mnode) child(name string) *mnode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// allText concatenates the text content of the node and its descendants.
func (n *mnode) allText() string {
	var sb strings.Builder
	var walk func(*mnode)
	walk = func(cur *mnode) {
		sb.WriteString(cur.text)
		for _, c := range cur.children {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// cleanFragment unwraps a whole-document CDATA envelope and drops an XML
// declaration, leaving a bare element fragment.
func cleanFragment(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "<![CDATA["); i >= 0 {
		if j := strings.LastIndex(s, "]]>"); j > i {
			s = s[i+len("<![CDATA[") : j]
		}
	}
	if strings.HasPrefix(s, "<?xml") {
		if i := strings.Index(s, "?>"); i >= 0 {
			s = s[i+2:]
		}
	}
	return strings.TrimSpace(s)
}

// parseMarkup parses a markup fragment into an mnode tree under a synthetic
// root. It first tries strict XML; on failure it reparses with the tolerant
// HTML parser and reports recovered=true. Empty input yields an empty root.
func parseMarkup(raw string) (root *mnode, recovered bool, ok bool) {
	frag := cleanFragment(raw)
	root = &mnode{name: "#root", attrs: map[string]string{}}
	if frag == "" {
		return root, false, true
	}

	if parseStrictXML(frag, root) {
		return root, false, true
	}

	// Malformed markup: the HTML parser never fails, it repairs.
	root = &mnode{name: "#root", attrs: map[string]string{}}
	if parseTolerantHTML(frag, root) {
		return root, true, true
	}
	return root, true, false
}

func parseStrictXML(frag string, root *mnode) bool {
	// A synthetic wrapper makes bare multi-element fragments well-formed.
	dec := xml.NewDecoder(strings.NewReader("<wrap>" + frag + "</wrap>"))
	wrap := &mnode{name: "#wrap", attrs: map[string]string{}}
	stack := []*mnode{wrap}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &mnode{name: strings.ToLower(t.Name.Local), attrs: map[string]string{}}
			for _, a := range t.Attr {
				n.attrs[strings.ToLower(a.Name.Local)] = a.Value
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].text += string(t)
		}
	}
	inner := wrap.child("wrap")
	if inner == nil {
		return false
	}
	root.children = inner.children
	root.text = inner.text
	return true
}

func parseTolerantHTML(frag string, root *mnode) bool {
	doc, err := html.Parse(strings.NewReader(frag))
	if err != nil {
		return false
	}
	// html.Parse wraps everything in html>head/body; lift the body content.
	var fromHTML func(*html.Node, *mnode)
	fromHTML = func(hn *html.Node, parent *mnode) {
		for c := hn.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.ElementNode:
				name := strings.ToLower(c.Data)
				if name == "html" || name == "head" || name == "body" {
					fromHTML(c, parent)
					continue
				}
				n := &mnode{name: name, attrs: map[string]string{}}
				for _, a := range c.Attr {
					n.attrs[strings.ToLower(a.Key)] = a.Val
				}
				parent.children = append(parent.children, n)
				fromHTML(c, n)
			case html.TextNode:
				parent.text += c.Data
			default:
				fromHTML(c, parent)
			}
		}
	}
	fromHTML(doc, root)
	return len(root.children) > 0 || root.text != ""
}
