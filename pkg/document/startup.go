package document

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// taskExpiration keeps the discovery task alive far beyond any operation
// timeout so it cannot silently disappear mid-run.
const taskExpiration = 24 * time.Hour

// readBackTimeout bounds the optimistic state read-back at startup.
const readBackTimeout = 10 * time.Second

// QueryTask describes a kind-filtered discovery registration created when a
// replica starts, letting other parties discover documents by kind.
type QueryTask struct {
	ID         string
	Kind       string
	Expiration time.Time
}

// TaskRegistry registers discovery tasks. Implemented by the etcd-backed
// registry in the discovery package; tests supply an in-memory fake.
type TaskRegistry interface {
	RegisterQueryTask(ctx context.Context, task QueryTask) error
}

// StateReader is the generic read path: fetch a replica's current state
// before patching it. Blocking and cancellable.
type StateReader interface {
	ReadState(ctx context.Context, identity string) (State, error)
}

// Coordinator builds initial replica state, kicks off the discovery
// registration, and triggers the first patch according to the configured
// consistency strategy.
type Coordinator struct {
	registry TaskRegistry
	reader   StateReader
	log      *zap.SugaredLogger
}

// NewCoordinator creates a startup coordinator. reader may be nil, in which
// case the optimistic read-back goes against the new replica directly.
func NewCoordinator(registry TaskRegistry, reader StateReader, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{registry: registry, reader: reader, log: log}
}

// Start creates a replica from the requested initial state and triggers its
// first patch. The start is confirmed before the first patch's outcome is
// known: a start failure is never retried by re-issuing start, and a failed
// first patch is left to the next replication or maintenance cycle.
func (c *Coordinator) Start(ctx context.Context, identity string, req StartRequest, opts Options) (*Replica, error) {
	if req.Payload == "" {
		return nil, NewArgumentError(MsgBodyRequired)
	}

	r := NewReplica(identity, req, opts, c.log)

	task := QueryTask{
		ID:         uuid.NewString(),
		Kind:       Kind,
		Expiration: time.Now().Add(taskExpiration),
	}
	if c.registry != nil {
		if err := c.registry.RegisterQueryTask(ctx, task); err != nil {
			// The link is still recorded; registration failure aborts
			// only this cycle.
			c.log.Errorf("[%s] query task registration failed: %v", identity, err)
		}
	}

	first := PatchRequest{
		TargetIdentity: identity,
		Payload:        uuid.NewString(),
		LinkedTaskRef:  QueryTaskPathPrefix + task.ID,
	}

	if opts.StrictUpdateChecking {
		// Capture the present version before self-patching so the
		// inbound check does not bounce the patch. A concurrent writer
		// racing past the captured version still fails it.
		reader := c.reader
		if reader == nil {
			reader = r
		}
		go c.kickoffStrict(reader, r, first)
		return r, nil
	}

	if req.FromReplication || req.Version > 0 {
		// This instance is the product of replication; another replica
		// already drove convergence.
		return r, nil
	}

	r.Submit(first)
	return r, nil
}

func (c *Coordinator) kickoffStrict(reader StateReader, r *Replica, first PatchRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), readBackTimeout)
	defer cancel()

	cur, err := reader.ReadState(ctx, first.TargetIdentity)
	if err != nil {
		c.log.Errorf("[%s] state read-back failed: %v", first.TargetIdentity, err)
		return
	}
	v := cur.Version
	first.ExpectedVersion = &v
	r.Submit(first)
}
