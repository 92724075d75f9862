// Package document implements the replicated convergent document protocol:
// a single logical document replicated across nodes, driven toward a
// consistent terminal state by client patches and self-corrective patches.
//
// Each replica is owned by exactly one Replica value. Inbound patches are
// screened by Validate, applied under the replica's lock, and may trigger a
// follow-up self-patch that loops the replica toward the self-converged
// sentinel (its own identity string).
package document

// Kind identifies document records in the discovery index.
const Kind = "driftdoc:document"

// ClientPatchHint marks a payload as a genuine external client edit that is
// accepted unconditionally, bypassing identity and ordering checks. Used to
// converge replicas to an externally known value regardless of in-flight
// self-patch traffic.
const ClientPatchHint = "client-"

// QueryTaskPathPrefix prefixes the linked task reference recorded on a
// replica after its discovery task is registered.
const QueryTaskPathPrefix = "/driftdoc/tasks/"

// Stat names exposed per replica.
const (
	StatOwnerToggle        = "documentOwnerToggleCount"
	StatMissingOwnerToggle = "missingDocumentOwnerToggleCount"
)

// Option is a per-replica capability flag.
type Option string

const (
	// OptionDocumentOwner marks the replica currently elected as the
	// document owner. Toggled by the host during maintenance.
	OptionDocumentOwner Option = "DOCUMENT_OWNER"
	// OptionOwnerSelection allows the replica to originate convergence
	// self-patches.
	OptionOwnerSelection Option = "OWNER_SELECTION"
	// OptionStrictUpdateChecking enables the optimistic-version-checked
	// update mode.
	OptionStrictUpdateChecking Option = "STRICT_UPDATE_CHECKING"
)

// State is the replicated document state. Identity is assigned once at
// creation and never changes; Version never decreases across accepted
// patches on the same replica.
type State struct {
	Identity      string `json:"identity"`
	Payload       string `json:"payload"`
	LinkedTaskRef string `json:"linkedTaskRef,omitempty"`
	Version       uint64 `json:"version"`
}

// PatchRequest is one candidate update. Instances are transient: created by
// the caller, consumed by a single validate-apply cycle.
type PatchRequest struct {
	// TargetIdentity must match the replica's identity for non-hinted
	// patches.
	TargetIdentity string `json:"targetIdentity"`
	Payload        string `json:"payload"`
	LinkedTaskRef  string `json:"linkedTaskRef,omitempty"`
	// FromReplication marks inter-replica replication traffic, as opposed
	// to a direct external client patch. Replication traffic never
	// originates further self-patches.
	FromReplication bool `json:"fromReplication,omitempty"`
	// ExpectedVersion, when set, makes the write conditional on the
	// replica's current version (optimistic update checking). A concurrent
	// writer advancing the version first fails the patch.
	ExpectedVersion *uint64 `json:"expectedVersion,omitempty"`
}

// StartRequest is the initial content body for a new replica.
type StartRequest struct {
	Payload string `json:"payload"`
	// Version is non-zero when this instance is the product of
	// inter-replica replication.
	Version         uint64 `json:"version,omitempty"`
	FromReplication bool   `json:"fromReplication,omitempty"`
}
