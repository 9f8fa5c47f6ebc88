// Package traverse drives pre-order walks over tree-shaped indexes. The tree
// is exposed through a Source and the per-walk behaviour is a Visitor made of
// plain functions, so one driver serves queries, statistics and maintenance.
package traverse

// Action tells the walker how to proceed after a visit.
type Action uint8

const (
	// Continue descends into the node (or moves on to the next data item).
	Continue Action = iota
	// Prune skips the children and data of the visited node.
	Prune
	// Stop ends the whole walk. Walk returns nil.
	Stop
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Prune:
		return "prune"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Source exposes a tree of nodes N whose leaves carry data items D.
type Source[N, D any] interface {
	// Root returns the root node; ok is false for an empty tree.
	Root() (root N, ok bool, err error)
	// Expand returns the children of n in stored order, or its data items
	// when n is a leaf.
	Expand(n N) (children []N, data []D, err error)
}

// Visitor is the per-walk behaviour. Nil functions default to Continue.
type Visitor[N, D any] struct {
	Node func(n N) Action
	Data func(d D) Action
	// Leave runs after all of n's children were walked. It is not called
	// for pruned nodes, nor once the walk has been stopped.
	Leave func(n N)
}

// Walk visits src in pre-order. Traversal is synchronous and never mutates
// src itself; visitors may.
func Walk[N, D any](src Source[N, D], v Visitor[N, D]) error {
	root, ok, err := src.Root()
	if err != nil || !ok {
		return err
	}
	_, err = walk(src, v, root)
	return err
}

// walk returns false once the walk has been stopped.
func walk[N, D any](src Source[N, D], v Visitor[N, D], n N) (bool, error) {
	if v.Node != nil {
		switch v.Node(n) {
		case Prune:
			return true, nil
		case Stop:
			return false, nil
		}
	}
	children, data, err := src.Expand(n)
	if err != nil {
		return false, err
	}
	for _, d := range data {
		if v.Data != nil && v.Data(d) == Stop {
			return false, nil
		}
	}
	for _, child := range children {
		more, err := walk(src, v, child)
		if err != nil || !more {
			return more, err
		}
	}
	if v.Leave != nil {
		v.Leave(n)
	}
	return true, nil
}

// Count walks src and returns the number of nodes and data items visited.
func Count[N, D any](src Source[N, D]) (nodes, items int, err error) {
	err = Walk(src, Visitor[N, D]{
		Node: func(N) Action { nodes++; return Continue },
		Data: func(D) Action { items++; return Continue },
	})
	return nodes, items, err
}
