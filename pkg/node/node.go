// Package node hosts document replicas on one process: it owns the replica
// store, decides document ownership from the ring, runs periodic
// maintenance, and exposes the HTTP surface.
package node

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/driftdoc/pkg/document"
	"github.com/ryandielhenn/driftdoc/pkg/docstore"
	"github.com/ryandielhenn/driftdoc/pkg/ring"
)

type Node struct {
	id   string
	addr string

	docs     *docstore.Store
	ring     *ring.HashRing
	coord    *document.Coordinator
	defaults document.Options
	log      *zap.SugaredLogger

	stop     chan struct{}
	stopOnce sync.Once
}

func New(id, addr string, r *ring.HashRing, registry document.TaskRegistry, defaults document.Options, log *zap.SugaredLogger) *Node {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if r == nil {
		r = ring.New(128, nil)
	}
	return &Node{
		id:       id,
		addr:     addr,
		docs:     docstore.New(),
		ring:     r,
		coord:    document.NewCoordinator(registry, nil, log),
		defaults: defaults,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (n *Node) ID() string            { return n.id }
func (n *Node) Addr() string          { return n.addr }
func (n *Node) Docs() *docstore.Store { return n.docs }

// ownsDocument reports whether this node is the elected owner for a
// document. A ring with no peers means the node runs standalone and owns
// everything it hosts.
func (n *Node) ownsDocument(identity string) bool {
	owner := n.ring.Owner(identity)
	return owner == "" || owner == n.id
}

// SetPeers replaces ring membership from a discovery snapshot and
// re-evaluates ownership of every hosted replica. An ownership change is
// delivered to the replica as an option-toggle maintenance signal, which is
// what the toggle counters observe.
func (n *Node) SetPeers(nodes map[string]string) {
	n.ring.Clear()
	for id, addr := range nodes {
		n.ring.Add(id, NormalizeHostPort(addr, "8080"))
	}
	n.rebalance()
}

func (n *Node) rebalance() {
	n.docs.ForEach(func(r *document.Replica) {
		owns := n.ownsDocument(r.Identity())
		if !r.SetDocumentOwner(owns) {
			return
		}
		req := document.MaintenanceRequest{
			Reasons:      []document.MaintenanceReason{document.ReasonServiceOptionToggle},
			ConfigUpdate: &document.ConfigUpdate{},
		}
		if owns {
			req.ConfigUpdate.AddOptions = []document.Option{document.OptionDocumentOwner}
		} else {
			req.ConfigUpdate.RemoveOptions = []document.Option{document.OptionDocumentOwner}
		}
		n.log.Infof("[%s] ownership of %s -> %v", n.id, r.Identity(), owns)
		r.HandleMaintenance(req)
	})
}

// StartMaintenance runs the periodic maintenance tick until Stop.
func (n *Node) StartMaintenance(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-n.stop:
				return
			case <-t.C:
				n.docs.ForEach(func(r *document.Replica) {
					r.HandleMaintenance(document.MaintenanceRequest{
						Reasons: []document.MaintenanceReason{document.ReasonPeriodicSchedule},
					})
				})
			}
		}
	}()
}

// Stop halts maintenance and closes every hosted replica.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.docs.Close()
}
