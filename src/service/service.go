package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshnetworks/meshdag/src/dag"
	"github.com/meshnetworks/meshdag/src/node"
)

// Service exposes a node's state over a read-only HTTP API.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService instantiates the service and registers its handlers.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers. This is useful when meshdag is used
// in-memory and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering meshdag API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/tips", s.makeHandler(s.GetTips))
	http.HandleFunc("/node/", s.makeHandler(s.GetNode))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when meshdag is used in-memory and another server has already
// been started with the DefaultServerMux and the same address:port
// combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving meshdag API")

	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// nodeView is the JSON shape of a DAG node, including the derived fields.
type nodeView struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Parents   []string `json:"parents"`
	Timestamp int64    `json:"timestamp"`
	Data      []byte   `json:"data"`
	Creator   []byte   `json:"creator"`
	Signature string   `json:"signature"`
	Height    int      `json:"height"`
	Weight    float64  `json:"weight"`
}

func newNodeView(n *dag.Node) *nodeView {
	return &nodeView{
		ID:        n.ID,
		Type:      n.Type.String(),
		Parents:   n.Parents,
		Timestamp: n.Timestamp,
		Data:      n.Data,
		Creator:   n.Creator,
		Signature: n.Signature,
		Height:    n.Height(),
		Weight:    n.Weight(),
	}
}

// GetStats returns the merged counters of every layer.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetTips returns the current frontier of the DAG.
func (s *Service) GetTips(w http.ResponseWriter, r *http.Request) {
	tips := []*nodeView{}
	for _, tip := range s.node.DAG().Tips() {
		tips = append(tips, newNodeView(tip))
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(tips)
}

// GetNode returns a single DAG node by id.
func (s *Service) GetNode(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/node/"):]

	dagNode, err := s.node.DAG().GetNode(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving node %s", param)

		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(newNodeView(dagNode))
}

// GetPeers returns the node's peer set.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Peers().Peers)
}
