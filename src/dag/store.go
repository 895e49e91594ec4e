package dag

// Store is the persistence interface consumed by the Manager. Accepted nodes
// are recorded in topological (insertion) order, which allows a Manager to be
// bootstrapped by replaying the store through the regular insertion path.
type Store interface {
	//SetNode records an accepted node.
	SetNode(*Node) error

	//GetNode retrieves a node by id.
	GetNode(id string) (*Node, error)

	//TopologicalNodes returns every stored node in insertion order.
	TopologicalNodes() ([]*Node, error)

	//Len returns the number of stored nodes.
	Len() int

	//Close closes the underlying database, if any.
	Close() error
}
