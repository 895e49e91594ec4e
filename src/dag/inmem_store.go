package dag

import "sync"

// InmemStore is a fast, in-memory implementation of the Store interface.
type InmemStore struct {
	sync.RWMutex

	nodes map[string]*Node
	order []string //insertion order
}

// NewInmemStore instantiates a new InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		nodes: make(map[string]*Node),
	}
}

// SetNode implements the Store interface.
func (s *InmemStore) SetNode(node *Node) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.nodes[node.ID]; !ok {
		s.order = append(s.order, node.ID)
	}
	s.nodes[node.ID] = node

	return nil
}

// GetNode implements the Store interface.
func (s *InmemStore) GetNode(id string) (*Node, error) {
	s.RLock()
	defer s.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, NewValidationErr(NodeNotFound, id)
	}

	return node, nil
}

// TopologicalNodes implements the Store interface.
func (s *InmemStore) TopologicalNodes() ([]*Node, error) {
	s.RLock()
	defer s.RUnlock()

	res := make([]*Node, 0, len(s.order))
	for _, id := range s.order {
		res = append(res, s.nodes[id])
	}

	return res, nil
}

// Len implements the Store interface.
func (s *InmemStore) Len() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.nodes)
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
