package state

import (
	"fmt"

	"github.com/m1gwings/treedrawer/tree"
)

// DrawTree renders the provider tree below s, one node per scope, labelled
// with the mounted state name and broker version.
func (s *Scope) DrawTree() string {
	t := tree.NewTree(tree.NodeString(s.label()))
	s.drawChildren(t)
	return t.String()
}

func (s *Scope) drawChildren(t *tree.Tree) {
	for i, c := range s.Children() {
		t.AddChild(tree.NodeString(c.label()))
		sub, err := t.Child(i)
		if err != nil {
			return
		}
		c.drawChildren(sub)
	}
}

func (s *Scope) label() string {
	b := s.Broker()
	if b == nil {
		if s.parent == nil {
			return "root"
		}
		return "scope " + s.id.String()[:8]
	}
	return fmt.Sprintf("%s v%d (%d consumers)", b.name, b.Version(), b.Consumers())
}
