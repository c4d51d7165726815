package model

// GateAction is the persistence decision taken for a document.
type GateAction string

const (
	GateActionCreated     GateAction = "CREATED"
	GateActionUpdated     GateAction = "UPDATED"
	GateActionSkipped     GateAction = "SKIPPED"
	GateActionQuarantined GateAction = "QUARANTINED"
	GateActionQueued      GateAction = "QUEUED"
)

// Persisted reports whether a usable template exists after the decision.
func (a GateAction) Persisted() bool {
	return a == GateActionCreated || a == GateActionUpdated || a == GateActionSkipped
}

// SideEffect is the result of a best-effort secondary write. Callers must look
// at Err but may choose to ignore it.
type SideEffect struct {
	Op       string `json:"op"`
	Affected int    `json:"affected"`
	Err      error  `json:"-"`
	ErrText  string `json:"error,omitempty"`
}

// Failed reports whether the side effect errored.
func (s SideEffect) Failed() bool {
	return s.Err != nil
}

// NewSideEffect records the outcome of a best-effort operation.
func NewSideEffect(op string, affected int, err error) SideEffect {
	se := SideEffect{Op: op, Affected: affected, Err: err}
	if err != nil {
		se.ErrText = err.Error()
	}
	return se
}

// GateResult is the Gatekeeper's output.
type GateResult struct {
	Action            GateAction   `json:"action"`
	RatePlanID        string       `json:"ratePlanId,omitempty"`
	Reason            Reason       `json:"reason,omitempty"`
	TemplatePersisted bool         `json:"templatePersisted"`
	MissingFields     []string     `json:"missingFields,omitempty"`
	QueueItemID       string       `json:"queueItemId,omitempty"`
	SideEffects       []SideEffect `json:"sideEffects,omitempty"`
}
