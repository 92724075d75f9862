package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Phase is the convergence state of one replica.
type Phase int32

const (
	// PhaseInitializing holds until the first patch is accepted.
	PhaseInitializing Phase = iota
	// PhaseConverging means patches are being applied and the replica may
	// still self-patch toward the sentinel.
	PhaseConverging
	// PhaseStable is terminal: the payload equals the replica's identity
	// and the linked task reference is recorded. Only a client-hinted
	// patch re-opens convergence.
	PhaseStable
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseConverging:
		return "converging"
	case PhaseStable:
		return "stable"
	}
	return "unknown"
}

// Options fix a replica's consistency strategy at creation. The two modes
// are mutually exclusive: strict update checking relies on external drivers
// only, owner selection lets the replica drive its own convergence.
type Options struct {
	StrictUpdateChecking bool
	OwnerSelection       bool
}

// Stats are the per-replica maintenance counters. Monotonic, safe for
// concurrent increment alongside patch processing.
type Stats struct {
	ownerToggle        atomic.Uint64
	missingOwnerToggle atomic.Uint64
}

func (s *Stats) OwnerToggleCount() uint64        { return s.ownerToggle.Load() }
func (s *Stats) MissingOwnerToggleCount() uint64 { return s.missingOwnerToggle.Load() }

// Replica owns one copy of the document. All state access is serialized by
// the replica's lock: the validator's read and the apply's write happen
// atomically with respect to other patches, which the out-of-order check
// depends on. Patches for different replicas proceed in parallel.
type Replica struct {
	mu    sync.Mutex
	state State
	phase Phase

	opts     Options
	docOwner atomic.Bool
	stats    Stats
	log      *zap.SugaredLogger

	pending  chan PatchRequest
	stop     chan struct{}
	stopOnce sync.Once
}

// NewReplica creates a replica in the initializing phase and starts its
// self-patch dispatcher. Close releases the dispatcher.
func NewReplica(identity string, init StartRequest, opts Options, log *zap.SugaredLogger) *Replica {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Replica{
		state: State{
			Identity: identity,
			Payload:  init.Payload,
			Version:  init.Version,
		},
		phase:   PhaseInitializing,
		opts:    opts,
		log:     log,
		pending: make(chan PatchRequest, 1),
		stop:    make(chan struct{}),
	}
	go r.dispatch()
	return r
}

// dispatch consumes queued patches one at a time. The next self-patch is
// only produced by applying the previous one, so at most one self-patch is
// in flight per replica.
func (r *Replica) dispatch() {
	for {
		select {
		case <-r.stop:
			return
		case req := <-r.pending:
			if err := r.Apply(req); err != nil && !errors.Is(err, ErrNotModified) {
				r.log.Warnf("[%s] queued patch rejected: %v", r.Identity(), err)
			}
		}
	}
}

// Submit enqueues a patch for asynchronous application. Non-blocking: if
// the queue is occupied the patch is dropped and the next convergence or
// maintenance cycle re-triggers state.
func (r *Replica) Submit(req PatchRequest) {
	select {
	case r.pending <- req:
	case <-r.stop:
	default:
		r.log.Warnf("[%s] patch queue occupied, dropping submission", r.Identity())
	}
}

// Close stops the self-patch dispatcher. The replica remains readable.
func (r *Replica) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Apply runs one validate-apply cycle. It returns nil on acceptance,
// ErrNotModified for a recognized no-op, *ArgumentError for a malformed
// patch, and *StateError for identity, ordering, or version conflicts. A
// rejected patch leaves the replica in its prior state.
func (r *Replica) Apply(req PatchRequest) error {
	r.mu.Lock()

	switch d := Validate(&r.state, req); d {
	case RejectMissingField:
		r.mu.Unlock()
		r.log.Warnf("[%s] invalid patch: missing payload", req.TargetIdentity)
		return NewArgumentError(MsgPayloadRequired)
	case RejectIdentityMismatch:
		r.mu.Unlock()
		// Should not occur under correct routing.
		r.log.Errorf("[%s] protocol integrity: patch for %q routed here", r.Identity(), req.TargetIdentity)
		return &StateError{Decision: d, Detail: fmt.Sprintf("identity mismatch: %s", req.TargetIdentity)}
	case RejectOutOfOrder:
		r.mu.Unlock()
		return &StateError{Decision: d, Detail: fmt.Sprintf("stale payload %q after convergence", req.Payload)}
	case NoOpUnchanged:
		r.mu.Unlock()
		return ErrNotModified
	}

	// Storage-side optimistic check: losing a race with a concurrent
	// writer fails the patch without retry.
	if req.ExpectedVersion != nil && *req.ExpectedVersion != r.state.Version {
		cur := r.state.Version
		r.mu.Unlock()
		return &StateError{
			Decision: RejectOutOfOrder,
			Detail:   fmt.Sprintf("%v: expected %d, at %d", ErrVersionConflict, *req.ExpectedVersion, cur),
		}
	}

	if strings.HasPrefix(req.Payload, ClientPatchHint) {
		// Direct client patch: accept unconditionally, re-opening
		// convergence if the replica was already stable.
		r.state.Payload = req.Payload
		r.state.Version++
		r.phase = PhaseConverging
		r.mu.Unlock()
		return nil
	}

	if req.LinkedTaskRef != "" && req.LinkedTaskRef != r.state.LinkedTaskRef {
		r.state.LinkedTaskRef = req.LinkedTaskRef
	}
	if req.Payload != r.state.Payload {
		r.state.Payload = req.Payload
	}
	r.state.Version++
	if r.phase == PhaseInitializing {
		r.phase = PhaseConverging
	}

	var followUp *PatchRequest
	switch {
	case r.state.Payload == r.state.Identity && req.LinkedTaskRef != "":
		// Converged: payload is the sentinel and the task ref is known.
		r.phase = PhaseStable
	case r.opts.StrictUpdateChecking:
		// Strict mode relies on external drivers only.
	case !r.opts.OwnerSelection || req.FromReplication:
		// Only the owning, externally driven path originates convergence
		// patches; replication traffic must not fan out again.
	default:
		followUp = &PatchRequest{
			TargetIdentity: r.state.Identity,
			Payload:        r.state.Identity,
			LinkedTaskRef:  r.state.LinkedTaskRef,
		}
	}
	r.mu.Unlock()

	if followUp != nil {
		r.Submit(*followUp)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (r *Replica) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Phase returns the replica's convergence phase.
func (r *Replica) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Identity returns the replica's immutable identity.
func (r *Replica) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Identity
}

// Options returns the consistency strategy fixed at creation.
func (r *Replica) Options() Options { return r.opts }

// Stats returns the replica's maintenance counters.
func (r *Replica) Stats() *Stats { return &r.stats }

// SetDocumentOwner records whether this replica currently holds document
// ownership. Returns true when the value changed.
func (r *Replica) SetDocumentOwner(owner bool) bool {
	return r.docOwner.Swap(owner) != owner
}

// IsDocumentOwner reports whether the replica currently holds ownership.
func (r *Replica) IsDocumentOwner() bool { return r.docOwner.Load() }

// ReadState implements StateReader against the replica itself, serving the
// optimistic read-back at startup when no external read path is wired.
func (r *Replica) ReadState(ctx context.Context, identity string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if identity != r.Identity() {
		return State{}, &StateError{Decision: RejectIdentityMismatch, Detail: identity}
	}
	return r.Snapshot(), nil
}
