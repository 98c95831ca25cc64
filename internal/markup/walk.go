package markup

import "fmt"

// Action tells Walk how to continue after visiting a node.
type Action int

const (
	// Continue descends into the node's children.
	Continue Action = iota
	// SkipChildren moves on to the next sibling.
	SkipChildren
	// Stop ends the walk.
	Stop
)

// Visitor is invoked for each node. parents holds the ancestor chain, the
// root first. The slice is reused between calls and must be copied if kept.
type Visitor func(n Node, parents []Node) Action

// WalkOptions bound and filter a walk. The zero value walks everything.
type WalkOptions struct {
	// Reverse visits children last to first.
	Reverse bool
	// MaxDepth limits descent. Roots are depth 0. Zero means unlimited.
	MaxDepth int
	// SkipKinds lists node kinds that are neither visited nor descended.
	SkipKinds []NodeKind
	// OnlyKinds restricts which kinds reach the visitor. The walk still
	// descends through nodes of other kinds.
	OnlyKinds []NodeKind
}

type walker struct {
	visit   Visitor
	opts    WalkOptions
	skip    map[NodeKind]bool
	only    map[NodeKind]bool
	visited map[Node]struct{}
	parents []Node
}

// Walk traverses roots depth first in pre-order. Every node is visited at
// most once, so a malformed tree with shared or cyclic children terminates.
// Nil nodes and nodes of unknown variants are skipped. A panic raised by
// the visitor is recovered and returned as an error.
func Walk(roots []Node, visit Visitor, opts WalkOptions) (err error) {
	if visit == nil {
		return nil
	}
	w := &walker{
		visit:   visit,
		opts:    opts,
		visited: make(map[Node]struct{}),
	}
	if len(opts.SkipKinds) > 0 {
		w.skip = make(map[NodeKind]bool, len(opts.SkipKinds))
		for _, k := range opts.SkipKinds {
			w.skip[k] = true
		}
	}
	if len(opts.OnlyKinds) > 0 {
		w.only = make(map[NodeKind]bool, len(opts.OnlyKinds))
		for _, k := range opts.OnlyKinds {
			w.only[k] = true
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("walk: visitor panicked: %v", r)
		}
	}()

	w.walkList(roots, 0)
	return nil
}

// WalkNode walks a single subtree.
func WalkNode(root Node, visit Visitor, opts WalkOptions) error {
	return Walk([]Node{root}, visit, opts)
}

func (w *walker) walkList(nodes []Node, depth int) bool {
	if w.opts.Reverse {
		for i := len(nodes) - 1; i >= 0; i-- {
			if !w.walkNode(nodes[i], depth) {
				return false
			}
		}
		return true
	}
	for _, n := range nodes {
		if !w.walkNode(n, depth) {
			return false
		}
	}
	return true
}

// walkNode returns false when the walk must stop.
func (w *walker) walkNode(n Node, depth int) bool {
	nilNode, known := isNil(n)
	if nilNode || !known {
		return true
	}
	if _, seen := w.visited[n]; seen {
		return true
	}
	w.visited[n] = struct{}{}

	kind := n.Kind()
	if w.skip[kind] {
		return true
	}

	action := Continue
	if w.only == nil || w.only[kind] {
		action = w.visit(n, w.parents)
	}
	switch action {
	case Stop:
		return false
	case SkipChildren:
		return true
	}

	if w.opts.MaxDepth > 0 && depth >= w.opts.MaxDepth {
		return true
	}
	children := n.Children()
	if len(children) == 0 {
		return true
	}
	w.parents = append(w.parents, n)
	ok := w.walkList(children, depth+1)
	w.parents = w.parents[:len(w.parents)-1]
	return ok
}
