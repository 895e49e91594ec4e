package dag

import (
	"crypto/ecdsa"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// TimestampTolerance is the maximum allowed clock drift between the local
	// clock and a candidate node's timestamp.
	TimestampTolerance = 5 * time.Minute

	// forkAlertThreshold is the number of recorded forks under a single
	// parent beyond which new children are flagged as suspicious.
	forkAlertThreshold = 3
)

// Manager holds the authoritative local view of the DAG and enforces
// structural and cryptographic validity on every insertion. The node table,
// tip set, root set, children index and fork-point map are guarded by a single
// mutex so that concurrent insert attempts observe a consistent snapshot.
type Manager struct {
	sync.RWMutex

	key *ecdsa.PrivateKey

	nodes map[string]*Node
	tips  map[string]bool //nodes with no accepted children
	roots map[string]bool //nodes with no parents

	children map[string][]string //child ids in insertion order

	//ancestry-validation cache: node id => set of known ancestors
	validatedPaths map[string]map[string]bool

	forkPoints map[string][]string //parent id => children recorded after the first
	suspicious map[string]int      //node id => times flagged

	store  Store
	logger *logrus.Entry
}

// NewManager instantiates a Manager. The key is used by SignNode when the
// local process is itself a producer. The store may be nil, in which case
// accepted nodes are not persisted.
func NewManager(key *ecdsa.PrivateKey, store Store, logger *logrus.Entry) *Manager {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Manager{
		key:            key,
		nodes:          make(map[string]*Node),
		tips:           make(map[string]bool),
		roots:          make(map[string]bool),
		children:       make(map[string][]string),
		validatedPaths: make(map[string]map[string]bool),
		forkPoints:     make(map[string][]string),
		suspicious:     make(map[string]int),
		store:          store,
		logger:         logger.WithField("component", "dag"),
	}
}

// AddNode validates a node and inserts it into the DAG. With validate set,
// the checks run in order and short-circuit: duplicate id, timestamp window,
// parent presence, cycle detection, temporal ancestry, signature. A rejection
// is returned as a ValidationErr and commits no partial state. With validate
// unset (bootstrapping from a store), the timestamp window and duplicate
// checks are skipped but ancestry and signature are still enforced.
func (m *Manager) AddNode(node *Node, validate bool) error {
	m.Lock()
	defer m.Unlock()

	if validate {
		if err := m.validateNode(node); err != nil {
			m.logger.WithField("node", node.ID).WithError(err).Warning("Node validation failed")
			return err
		}
	}

	if err := m.verifyAncestry(node); err != nil {
		m.logger.WithField("node", node.ID).WithError(err).Warning("Invalid ancestry")
		return err
	}

	if err := m.verifySignature(node); err != nil {
		m.logger.WithField("node", node.ID).WithError(err).Warning("Invalid signature")
		return err
	}

	m.commit(node)

	return nil
}

// validateNode runs the structural preconditions against the current table.
func (m *Manager) validateNode(node *Node) error {
	if _, ok := m.nodes[node.ID]; ok {
		return NewValidationErr(DuplicateNode, node.ID)
	}

	drift := time.Now().UnixNano() - node.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(TimestampTolerance) {
		return NewValidationErr(StaleTimestamp, node.ID)
	}

	for _, parent := range node.Parents {
		if parent == node.ID {
			return NewValidationErr(SelfParent, node.ID)
		}
		if _, ok := m.nodes[parent]; !ok {
			return NewValidationErr(MissingParent, node.ID)
		}
	}

	if m.wouldCreateCycle(node) {
		return NewValidationErr(CycleDetected, node.ID)
	}

	return nil
}

// wouldCreateCycle reports whether the candidate's id is reachable from its
// declared parents. The traversal runs against the table as-is; the candidate
// is never inserted, so the check is safe under concurrent reads of the same
// snapshot.
func (m *Manager) wouldCreateCycle(node *Node) bool {
	visited := make(map[string]bool)
	stack := append([]string{}, node.Parents...)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == node.ID {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		if parent, ok := m.nodes[current]; ok {
			stack = append(stack, parent.Parents...)
		}
	}

	return false
}

// verifyAncestry checks that every parent exists and strictly precedes the
// node in time.
func (m *Manager) verifyAncestry(node *Node) error {
	for _, parent := range node.Parents {
		parentNode, ok := m.nodes[parent]
		if !ok {
			return NewValidationErr(MissingParent, node.ID)
		}
		if parentNode.Timestamp >= node.Timestamp {
			return NewValidationErr(BadAncestry, node.ID)
		}
	}

	return nil
}

func (m *Manager) verifySignature(node *Node) error {
	if node.Signature == "" {
		return NewValidationErr(MissingSignature, node.ID)
	}

	ok, err := node.Verify()
	if err != nil || !ok {
		return NewValidationErr(BadSignature, node.ID)
	}

	return nil
}

// commit inserts a fully validated node and updates every derived structure.
func (m *Manager) commit(node *Node) {
	m.nodes[node.ID] = node

	m.tips[node.ID] = true
	for _, parent := range node.Parents {
		delete(m.tips, parent)
		m.children[parent] = append(m.children[parent], node.ID)
	}

	if node.IsRoot() {
		m.roots[node.ID] = true
	}

	//ancestry cache: union of the parents' ancestor sets plus the parents
	validPath := make(map[string]bool)
	for _, parent := range node.Parents {
		for ancestor := range m.validatedPaths[parent] {
			validPath[ancestor] = true
		}
		validPath[parent] = true
	}
	m.validatedPaths[node.ID] = validPath

	m.detectForks(node)
	m.computeMetrics(node)

	if m.store != nil {
		if err := m.store.SetNode(node); err != nil {
			m.logger.WithField("node", node.ID).WithError(err).Error("Failed to persist node")
		}
	}
}

// detectForks records fork points. A parent acquiring more than one child has
// each additional child appended to its fork list; a parent whose fork list
// grows beyond the alert threshold marks the triggering node as suspicious.
// This is a soft signal for anomaly monitoring, not a rejection.
func (m *Manager) detectForks(node *Node) {
	for _, parent := range node.Parents {
		if len(m.children[parent]) > 1 {
			m.forkPoints[parent] = append(m.forkPoints[parent], node.ID)

			if len(m.forkPoints[parent]) > forkAlertThreshold {
				m.suspicious[node.ID]++
				m.logger.WithFields(logrus.Fields{
					"node":   node.ID,
					"parent": parent,
					"forks":  len(m.forkPoints[parent]),
				}).Warning("Suspicious fork activity")
			}
		}
	}
}

// computeMetrics freezes the node's derived height and weight.
func (m *Manager) computeMetrics(node *Node) {
	if node.IsRoot() {
		node.height = 0
		node.weight = 1.0
		return
	}

	maxParentHeight := 0
	totalParentWeight := 0.0

	for _, parent := range node.Parents {
		parentNode := m.nodes[parent]
		if parentNode.height > maxParentHeight {
			maxParentHeight = parentNode.height
		}
		totalParentWeight += parentNode.weight
	}

	node.height = maxParentHeight + 1
	node.weight = 1.0 + totalParentWeight/float64(len(node.Parents))
}

// SignNode signs a node with the manager's own key.
func (m *Manager) SignNode(node *Node) error {
	return node.Sign(m.key)
}

// Bootstrap replays the nodes persisted in the store, in topological order,
// through the regular insertion path. Structural timestamp-window checks are
// skipped because stored nodes are typically older than the tolerance.
func (m *Manager) Bootstrap() error {
	if m.store == nil {
		return nil
	}

	nodes, err := m.store.TopologicalNodes()
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if err := m.AddNode(node, false); err != nil {
			return err
		}
	}

	return nil
}

/* Queries */

// GetNode retrieves a node by id.
func (m *Manager) GetNode(id string) (*Node, error) {
	m.RLock()
	defer m.RUnlock()

	node, ok := m.nodes[id]
	if !ok {
		return nil, NewValidationErr(NodeNotFound, id)
	}

	return node, nil
}

// Contains reports whether the id is in the node table.
func (m *Manager) Contains(id string) bool {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.nodes[id]
	return ok
}

// Size returns the number of nodes in the table.
func (m *Manager) Size() int {
	m.RLock()
	defer m.RUnlock()

	return len(m.nodes)
}

// Tips returns the current frontier nodes, sorted by id.
func (m *Manager) Tips() []*Node {
	m.RLock()
	defer m.RUnlock()

	res := []*Node{}
	for _, id := range sortedKeys(m.tips) {
		res = append(res, m.nodes[id])
	}

	return res
}

// TipIDs returns the ids of the current frontier, sorted.
func (m *Manager) TipIDs() []string {
	m.RLock()
	defer m.RUnlock()

	return sortedKeys(m.tips)
}

// RootIDs returns the ids of the roots, sorted.
func (m *Manager) RootIDs() []string {
	m.RLock()
	defer m.RUnlock()

	return sortedKeys(m.roots)
}

// PathToRoot returns the chain of ids from the given node down to a root,
// walking the first listed parent at each step. The first parent is the
// defined tie-break for single-path queries.
func (m *Manager) PathToRoot(id string) []string {
	m.RLock()
	defer m.RUnlock()

	return m.firstParentChain(id)
}

// firstParentChain walks first parents from id to a root, inclusive. Callers
// must hold at least a read lock.
func (m *Manager) firstParentChain(id string) []string {
	if _, ok := m.nodes[id]; !ok {
		return []string{}
	}

	path := []string{}
	current := id

	for {
		path = append(path, current)

		currentNode := m.nodes[current]
		if len(currentNode.Parents) == 0 {
			break
		}
		current = currentNode.Parents[0]

		if _, ok := m.nodes[current]; !ok {
			break
		}
	}

	return path
}

// IsAncestor reports whether ancestor is reachable from descendant by
// following parent links. A node is considered its own ancestor.
func (m *Manager) IsAncestor(ancestor, descendant string) bool {
	m.RLock()
	defer m.RUnlock()

	if _, ok := m.nodes[descendant]; !ok {
		return false
	}

	visited := make(map[string]bool)
	stack := []string{descendant}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == ancestor {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		if node, ok := m.nodes[current]; ok {
			stack = append(stack, node.Parents...)
		}
	}

	return false
}

// CommonAncestor walks both nodes' first-parent chains and returns the first
// shared id.
func (m *Manager) CommonAncestor(id1, id2 string) (string, error) {
	m.RLock()
	defer m.RUnlock()

	if _, ok := m.nodes[id1]; !ok {
		return "", NewValidationErr(NodeNotFound, id1)
	}
	if _, ok := m.nodes[id2]; !ok {
		return "", NewValidationErr(NodeNotFound, id2)
	}

	chain1 := make(map[string]bool)
	for _, id := range m.firstParentChain(id1) {
		chain1[id] = true
	}

	for _, id := range m.firstParentChain(id2) {
		if chain1[id] {
			return id, nil
		}
	}

	return "", NewValidationErr(NodeNotFound, id2)
}

// Ancestry returns the node and its full ancestor closure, sorted by height
// so that the slice can be inserted in order by a peer.
func (m *Manager) Ancestry(id string) ([]*Node, error) {
	m.RLock()
	defer m.RUnlock()

	if _, ok := m.nodes[id]; !ok {
		return nil, NewValidationErr(NodeNotFound, id)
	}

	visited := make(map[string]bool)
	stack := []string{id}
	res := []*Node{}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[current] {
			continue
		}
		visited[current] = true

		node, ok := m.nodes[current]
		if !ok {
			continue
		}

		res = append(res, node)
		stack = append(stack, node.Parents...)
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].height != res[j].height {
			return res[i].height < res[j].height
		}
		return res[i].ID < res[j].ID
	})

	return res, nil
}

// ForkPoints returns a copy of the fork-point map.
func (m *Manager) ForkPoints() map[string][]string {
	m.RLock()
	defer m.RUnlock()

	res := make(map[string][]string, len(m.forkPoints))
	for parent, forks := range m.forkPoints {
		res[parent] = append([]string{}, forks...)
	}

	return res
}

// SuspiciousNodes returns the nodes flagged more times than the alert
// threshold.
func (m *Manager) SuspiciousNodes() map[string]int {
	m.RLock()
	defer m.RUnlock()

	res := make(map[string]int)
	for id, count := range m.suspicious {
		if count > forkAlertThreshold {
			res[id] = count
		}
	}

	return res
}

// Stats returns counters describing the graph.
func (m *Manager) Stats() map[string]string {
	m.RLock()
	defer m.RUnlock()

	return map[string]string{
		"num_nodes":       strconv.Itoa(len(m.nodes)),
		"num_tips":        strconv.Itoa(len(m.tips)),
		"num_roots":       strconv.Itoa(len(m.roots)),
		"num_fork_points": strconv.Itoa(len(m.forkPoints)),
	}
}

/* Pruning */

// PruneOldNodes removes nodes older than maxAge that are neither tips nor
// roots, striking them from fork lists, the ancestry cache and the children
// index without breaking the remaining structure. It returns the number of
// nodes removed.
func (m *Manager) PruneOldNodes(maxAge time.Duration) int {
	m.Lock()
	defer m.Unlock()

	now := time.Now().UnixNano()

	toRemove := []string{}
	for id, node := range m.nodes {
		if now-node.Timestamp <= int64(maxAge) {
			continue
		}
		if m.tips[id] || m.roots[id] {
			continue
		}
		toRemove = append(toRemove, id)
	}

	for _, id := range toRemove {
		m.removeNode(id)
	}

	if len(toRemove) > 0 {
		m.logger.WithField("pruned", len(toRemove)).Debug("Pruned old nodes")
	}

	return len(toRemove)
}

// removeNode strikes a node from every structure. Callers must hold the write
// lock.
func (m *Manager) removeNode(id string) {
	node, ok := m.nodes[id]
	if !ok {
		return
	}

	delete(m.nodes, id)
	delete(m.tips, id)
	delete(m.roots, id)
	delete(m.validatedPaths, id)
	delete(m.suspicious, id)
	delete(m.children, id)

	//strike from surviving ancestry-validation sets
	for _, path := range m.validatedPaths {
		delete(path, id)
	}

	//strike from the parents' child lists
	for _, parent := range node.Parents {
		m.children[parent] = removeString(m.children[parent], id)
		if len(m.children[parent]) == 0 {
			delete(m.children, parent)
		}
	}

	//strike from fork lists and drop the ones left empty
	for parent, forks := range m.forkPoints {
		m.forkPoints[parent] = removeString(forks, id)
		if len(m.forkPoints[parent]) == 0 {
			delete(m.forkPoints, parent)
		}
	}
}

/* Helpers */

func sortedKeys(set map[string]bool) []string {
	res := make([]string, 0, len(set))
	for id := range set {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

func removeString(list []string, s string) []string {
	res := list[:0]
	for _, item := range list {
		if item != s {
			res = append(res, item)
		}
	}
	return res
}
