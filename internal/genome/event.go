package genome

// Kind classifies scheduler events.
type Kind string

// Event kinds.
const (
	KindStart       Kind = "start"
	KindStop        Kind = "stop"
	KindTick        Kind = "tick"
	KindAdd         Kind = "add"
	KindRemove      Kind = "remove"
	KindComplete    Kind = "complete"
	KindError       Kind = "error"
	KindViolation   Kind = "violation"
	KindInstruction Kind = "instruction"
)

// Stop reasons.
const (
	ReasonStopped = "stopped"
	ReasonEmpty   = "empty"
	ReasonLimit   = "limit"
	ReasonClosed  = "closed"
)

// Event is a scheduler notification. Fields that do not apply to the kind
// are zero.
type Event struct {
	Kind Kind
	// Tick is the number of completed ticks when the event was emitted.
	Tick   int
	Active int

	Index       int
	Entity      Entity
	Instruction Instruction
	// Value is the text of a rejected instruction.
	Value  string
	Err    error
	Reason string
}

// Record is the JSON-friendly form of an Event.
type Record struct {
	Kind        Kind    `json:"kind"`
	Tick        int     `json:"tick"`
	Active      int     `json:"active"`
	Index       int     `json:"index,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
	Value       string  `json:"value,omitempty"`
	Error       string  `json:"error,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// Record converts e for journals and observers.
func (e Event) Record() Record {
	r := Record{
		Kind:        e.Kind,
		Tick:        e.Tick,
		Active:      e.Active,
		Index:       e.Index,
		Instruction: string(e.Instruction),
		Value:       e.Value,
		Reason:      e.Reason,
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	if e.Entity != nil {
		st := e.Entity.Status()
		r.Status = &st
	}
	return r
}

// Observer receives events on the scheduler's goroutine. It must not block.
type Observer func(Event)
