package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/agleyzer/smilsync/internal/fragment"
)

// smilNode keeps every element and attribute so par and seq containers can be
// walked in document order.
type smilNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []smilNode `xml:",any"`
}

func (n *smilNode) attr(local string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func (n *smilNode) child(local string) *smilNode {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			return &n.Children[i]
		}
	}
	return nil
}

// parseSMIL extracts one fragment per par element of a media overlay document.
func parseSMIL(data []byte) ([]fragment.Fragment, error) {
	var root smilNode
	dec := xml.NewDecoder(bytes.NewReader(bytes.TrimLeft(data, leadingSpace)))
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid SMIL: %w", err)
	}
	if root.XMLName.Local != "smil" {
		return nil, fmt.Errorf("invalid SMIL: root element is %q", root.XMLName.Local)
	}

	var frags []fragment.Fragment
	var walk func(n *smilNode) error
	walk = func(n *smilNode) error {
		for i := range n.Children {
			c := &n.Children[i]
			if c.XMLName.Local != "par" {
				if err := walk(c); err != nil {
					return err
				}
				continue
			}
			f, err := parsePar(c, len(frags))
			if err != nil {
				return err
			}
			frags = append(frags, f)
		}
		return nil
	}
	if err := walk(&root); err != nil {
		return nil, err
	}
	return frags, nil
}

func parsePar(par *smilNode, index int) (fragment.Fragment, error) {
	name, _ := par.attr("id")
	if name == "" {
		name = fmt.Sprintf("#%d", index)
	}

	text := par.child("text")
	if text == nil {
		return fragment.Fragment{}, fmt.Errorf("par %s: missing text element", name)
	}
	src, _ := text.attr("src")
	_, id, ok := strings.Cut(src, "#")
	if !ok || id == "" {
		return fragment.Fragment{}, fmt.Errorf("par %s: text src %q has no fragment identifier", name, src)
	}

	audio := par.child("audio")
	if audio == nil {
		return fragment.Fragment{}, fmt.Errorf("par %s: missing audio element", name)
	}
	ref, _ := audio.attr("src")
	if ref == "" {
		return fragment.Fragment{}, fmt.Errorf("par %s: audio has no src", name)
	}

	var begin float64
	if v, ok := audio.attr("clipBegin"); ok {
		b, err := ParseClock(v)
		if err != nil {
			return fragment.Fragment{}, fmt.Errorf("par %s: clipBegin: %w", name, err)
		}
		begin = b
	}

	v, ok := audio.attr("clipEnd")
	if !ok {
		return fragment.Fragment{}, fmt.Errorf("par %s: missing clipEnd", name)
	}
	end, err := ParseClock(v)
	if err != nil {
		return fragment.Fragment{}, fmt.Errorf("par %s: clipEnd: %w", name, err)
	}

	return fragment.Fragment{ID: id, Begin: begin, End: end, AudioRef: ref}, nil
}
