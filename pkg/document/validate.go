package document

import "strings"

// Decision is the outcome of screening one inbound patch.
type Decision int

const (
	Accept Decision = iota
	RejectMissingField
	RejectIdentityMismatch
	RejectOutOfOrder
	NoOpUnchanged
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectMissingField:
		return "reject-missing-field"
	case RejectIdentityMismatch:
		return "reject-identity-mismatch"
	case RejectOutOfOrder:
		return "reject-out-of-order"
	case NoOpUnchanged:
		return "noop-unchanged"
	}
	return "unknown"
}

// Validate screens an inbound patch against the current state. Pure: no
// mutation, no I/O. Rules are evaluated in order:
//
//  1. empty payload is rejected before anything else
//  2. a client-hinted payload is accepted unconditionally
//  3. the patch must target this replica
//  4. a non-sentinel payload arriving after the replica already converged
//     is a delayed patch and must not regress state
//  5. a patch changing nothing is a recognized no-op, not a success
func Validate(cur *State, req PatchRequest) Decision {
	if req.Payload == "" {
		return RejectMissingField
	}
	if strings.HasPrefix(req.Payload, ClientPatchHint) {
		return Accept
	}
	if req.TargetIdentity != cur.Identity {
		return RejectIdentityMismatch
	}
	if req.Payload != cur.Identity && cur.Payload == cur.Identity && cur.Payload != "" {
		return RejectOutOfOrder
	}
	if !isDifferent(cur, req) {
		return NoOpUnchanged
	}
	return Accept
}

// isDifferent reports whether applying req would change the state: a set
// linkedTaskRef differing from the current one, or a differing payload.
func isDifferent(cur *State, req PatchRequest) bool {
	if req.LinkedTaskRef != "" && req.LinkedTaskRef != cur.LinkedTaskRef {
		return true
	}
	return req.Payload != cur.Payload
}
