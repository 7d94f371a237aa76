package sandbox

import (
	"strings"
)

// Document is the detached document proxy exposed to plugins running in
// document mode. Nothing is rendered; plugins may build and query a tree as
// they would in an embedded page. Only the session's loop goroutine touches
// it, so it needs no locking.
type Document struct {
	Title string   `js:"title"`
	Body  *Element `js:"body"`
	Head  *Element `js:"head"`

	root *Element
}

// Element is one node of the document proxy
type Element struct {
	TagName     string     `js:"tagName"`
	ID          string     `js:"id"`
	ClassName   string     `js:"className"`
	TextContent string     `js:"textContent"`
	Children    []*Element `js:"children"`

	attributes map[string]string
	parent     *Element
}

// NewDocument creates an empty html/head/body tree
func NewDocument() *Document {
	root := newElement("html")
	head := newElement("head")
	body := newElement("body")
	root.AppendChild(head)
	root.AppendChild(body)
	return &Document{Body: body, Head: head, root: root}
}

func newElement(tag string) *Element {
	return &Element{TagName: strings.ToUpper(tag), attributes: make(map[string]string)}
}

// CreateElement returns a detached element
func (d *Document) CreateElement(tag string) *Element {
	return newElement(tag)
}

// GetElementById returns the first element with the id, or null
func (d *Document) GetElementById(id string) any {
	if el := find(d.root, func(e *Element) bool { return e.ID == id }); el != nil {
		return el
	}
	return nil
}

// QuerySelector returns the first element matching selector, or null
func (d *Document) QuerySelector(selector string) any {
	if matches := d.QuerySelectorAll(selector); len(matches) > 0 {
		return matches[0]
	}
	return nil
}

// QuerySelectorAll supports "#id", ".class" and tag selectors
func (d *Document) QuerySelectorAll(selector string) []*Element {
	selector = strings.TrimSpace(selector)
	var match func(*Element) bool
	switch {
	case selector == "":
		return []*Element{}
	case strings.HasPrefix(selector, "#"):
		id := selector[1:]
		match = func(e *Element) bool { return e.ID == id }
	case strings.HasPrefix(selector, "."):
		class := selector[1:]
		match = func(e *Element) bool { return e.HasClass(class) }
	default:
		match = func(e *Element) bool { return strings.EqualFold(e.TagName, selector) }
	}
	out := []*Element{}
	collect(d.root, match, &out)
	return out
}

// GetAttribute returns the attribute value or null
func (e *Element) GetAttribute(name string) any {
	switch name {
	case "id":
		return e.ID
	case "class":
		return e.ClassName
	}
	if v, ok := e.attributes[name]; ok {
		return v
	}
	return nil
}

// SetAttribute sets an attribute, keeping id and class in sync
func (e *Element) SetAttribute(name, value string) {
	switch name {
	case "id":
		e.ID = value
	case "class":
		e.ClassName = value
	default:
		e.attributes[name] = value
	}
}

// RemoveAttribute deletes an attribute
func (e *Element) RemoveAttribute(name string) {
	e.SetAttribute(name, "")
	delete(e.attributes, name)
}

// HasClass reports whether class is one of the element's classes
func (e *Element) HasClass(class string) bool {
	for _, c := range strings.Fields(e.ClassName) {
		if c == class {
			return true
		}
	}
	return false
}

// AppendChild moves child under e and returns it
func (e *Element) AppendChild(child *Element) *Element {
	if child == nil || child == e {
		return child
	}
	child.Remove()
	child.parent = e
	e.Children = append(e.Children, child)
	return child
}

// Remove detaches e from its parent
func (e *Element) Remove() {
	if e.parent == nil {
		return
	}
	siblings := e.parent.Children[:0]
	for _, c := range e.parent.Children {
		if c != e {
			siblings = append(siblings, c)
		}
	}
	e.parent.Children = siblings
	e.parent = nil
}

func find(e *Element, match func(*Element) bool) *Element {
	if match(e) {
		return e
	}
	for _, c := range e.Children {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func collect(e *Element, match func(*Element) bool, out *[]*Element) {
	if match(e) {
		*out = append(*out, e)
	}
	for _, c := range e.Children {
		collect(c, match, out)
	}
}
