package document

import (
	"github.com/ryandielhenn/driftdoc/internal/telemetry"
)

// MaintenanceReason classifies a maintenance signal.
type MaintenanceReason string

const (
	// ReasonPeriodicSchedule is the host's regular maintenance tick.
	ReasonPeriodicSchedule MaintenanceReason = "periodic-schedule"
	// ReasonServiceOptionToggle accompanies a capability option being
	// added to or removed from the replica.
	ReasonServiceOptionToggle MaintenanceReason = "service-option-toggle"
)

// ConfigUpdate describes capability options added or removed during a
// maintenance cycle.
type ConfigUpdate struct {
	AddOptions    []Option `json:"addOptions,omitempty"`
	RemoveOptions []Option `json:"removeOptions,omitempty"`
}

// MaintenanceRequest is one maintenance signal delivered to a replica.
type MaintenanceRequest struct {
	Reasons      []MaintenanceReason `json:"reasons"`
	ConfigUpdate *ConfigUpdate       `json:"configUpdate,omitempty"`
}

// HandleMaintenance acknowledges a maintenance signal and records ownership
// toggle statistics. The acknowledgment is unconditional: bookkeeping
// failures are logged and swallowed so they never block the maintenance
// cycle for other replicas.
func (r *Replica) HandleMaintenance(req MaintenanceRequest) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("[%s] maintenance bookkeeping panic: %v", r.Identity(), p)
		}
	}()

	r.log.Infof("[%s] maintenance: %v", r.Identity(), req.Reasons)
	if !hasReason(req.Reasons, ReasonServiceOptionToggle) {
		return
	}

	// A toggle cycle that should have enabled owner capability is counted
	// separately from one that actually did.
	if req.ConfigUpdate == nil || !hasOption(req.ConfigUpdate.AddOptions, OptionDocumentOwner) {
		r.stats.missingOwnerToggle.Add(1)
		telemetry.MissingOwnerToggles.WithLabelValues(r.Identity()).Inc()
		return
	}
	r.stats.ownerToggle.Add(1)
	telemetry.OwnerToggles.WithLabelValues(r.Identity()).Inc()
}

func hasReason(reasons []MaintenanceReason, want MaintenanceReason) bool {
	for _, reason := range reasons {
		if reason == want {
			return true
		}
	}
	return false
}

func hasOption(opts []Option, want Option) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}
