package touch

// Element is one node of the tree an interaction landed in.
type Element interface {
	// ID returns the element identifier, if it has one.
	ID() (string, bool)
	// Parent returns the enclosing element, or false at the root.
	Parent() (Element, bool)
	// IsAnchor reports whether the element is a link.
	IsAnchor() bool
}

// Node describes one element of a Path.
type Node struct {
	ID     string `json:"id,omitempty"`
	Anchor bool   `json:"anchor,omitempty"`
}

// Path is a target chain as reported by a host: the touched element first,
// followed by its ancestors up to the root.
type Path []Node

// Target returns the touched element, or nil for an empty path.
func (p Path) Target() Element {
	if len(p) == 0 {
		return nil
	}
	return pathElement{path: p}
}

type pathElement struct {
	path Path
	pos  int
}

func (e pathElement) ID() (string, bool) {
	id := e.path[e.pos].ID
	return id, id != ""
}

func (e pathElement) Parent() (Element, bool) {
	if e.pos+1 >= len(e.path) {
		return nil, false
	}
	return pathElement{path: e.path, pos: e.pos + 1}, true
}

func (e pathElement) IsAnchor() bool {
	return e.path[e.pos].Anchor
}
