// Package label pulls the indications of a drug out of an HL7 SPL label.
package label

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/processing"
)

const hl7Namespace = "urn:hl7-org:v3"

// ErrMalformedDocument is returned when the label is not well-formed XML.
var ErrMalformedDocument = errors.New("malformed label document")

var indicationsSection = regexp.MustCompile(`(?i)INDICATIONS.*USAGE|USAGE.*INDICATIONS`)

// ExtractIndications returns the subsections of the "Indications and Usage"
// section in document order. A label without that section yields no
// indications and no error.
func ExtractIndications(doc []byte) ([]models.Indication, error) {
	root, err := parse(doc)
	if err != nil {
		return nil, err
	}

	section := findIndicationsSection(root)
	if section == nil {
		return nil, nil
	}

	var indications []models.Indication
	section.walk(func(n *node) {
		if !n.is("section") || n.parent == nil || !n.parent.is("component") {
			return
		}

		titleNode := n.child("title")
		if titleNode == nil {
			return
		}
		title := processing.StripOutlinePrefix(titleNode.innerText())
		if title == "" {
			return
		}

		paragraph := n.firstParagraph()
		if paragraph == nil {
			return
		}

		indications = append(indications, models.Indication{
			Title:       title,
			Description: strings.TrimSpace(paragraph.innerText()),
		})
	})

	return indications, nil
}

func findIndicationsSection(root *node) *node {
	var found *node
	root.walk(func(n *node) {
		if found != nil || !n.is("section") {
			return
		}
		code := n.child("code")
		if code == nil {
			return
		}
		name := code.attr("displayName")
		if name != "" && indicationsSection.MatchString(name) {
			found = n
		}
	})
	return found
}

// node is a minimal element tree that keeps text and child elements
// interleaved so text can be concatenated in document order.
type node struct {
	name     xml.Name
	attrs    []xml.Attr
	parent   *node
	children []*node
	text     string
}

func parse(doc []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.CharsetReader = charset.NewReaderLabel
	root := &node{}
	cur := root

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name, attrs: append([]xml.Attr(nil), t.Attr...), parent: cur}
			cur.children = append(cur.children, n)
			cur = n
		case xml.EndElement:
			cur = cur.parent
		case xml.CharData:
			cur.children = append(cur.children, &node{parent: cur, text: string(t)})
		}
	}

	if cur != root {
		return nil, fmt.Errorf("%w: unexpected end of document", ErrMalformedDocument)
	}
	for _, c := range root.children {
		if c.isElement() {
			return root, nil
		}
	}
	return nil, fmt.Errorf("%w: no root element", ErrMalformedDocument)
}

func (n *node) isElement() bool {
	return n.name.Local != ""
}

func (n *node) is(local string) bool {
	return n.name.Space == hl7Namespace && n.name.Local == local
}

func (n *node) child(local string) *node {
	for _, c := range n.children {
		if c.is(local) {
			return c
		}
	}
	return nil
}

func (n *node) attr(local string) string {
	for _, a := range n.attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// walk visits every descendant element in document order.
func (n *node) walk(fn func(*node)) {
	for _, c := range n.children {
		if !c.isElement() {
			continue
		}
		fn(c)
		c.walk(fn)
	}
}

func (n *node) innerText() string {
	var b strings.Builder
	n.collectText(&b)
	return b.String()
}

func (n *node) collectText(b *strings.Builder) {
	for _, c := range n.children {
		if c.isElement() {
			c.collectText(b)
			continue
		}
		b.WriteString(c.text)
	}
}

// firstParagraph returns the first text/paragraph element under n.
func (n *node) firstParagraph() *node {
	for _, text := range n.children {
		if !text.is("text") {
			continue
		}
		if p := text.child("paragraph"); p != nil {
			return p
		}
	}
	return nil
}
