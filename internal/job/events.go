package job

// Event kind tags: the stream wire format is a single-key map
// { <kind>: <payload> }; these constants are the single source of truth
// the codec and the worker's dispatch table both key off of.
const (
	KindNewCsr      = "new-csr"
	KindChallenge   = "challenge"
	KindJobProgress = "job-progress"
	KindFinished    = "finished"
)

// Event is implemented by every message kind that travels over the event
// bus.
type Event interface {
	Kind() string
}

// NewCsr is the intake event.
type NewCsr struct {
	ClientID uint64 `json:"client_id"`
	PEM      string `json:"pem"`
}

func (NewCsr) Kind() string { return KindNewCsr }

// PendingChallenge asks that a challenge be initiated for the given serial.
type PendingChallenge struct {
	ID uint64 `json:"id"`
}

func (PendingChallenge) Kind() string { return KindChallenge }

// JobProgress is a verdict or transition announcement for a serial.
type JobProgress struct {
	ID     uint64    `json:"id"`
	Status JobStatus `json:"status"`
}

func (JobProgress) Kind() string { return KindJobProgress }

// Completion is emitted once a certificate has been minted for a serial.
type Completion struct {
	ClientID    uint64 `json:"client_id"`
	ID          uint64 `json:"id"`
	Certificate string `json:"certificate"`
}

func (Completion) Kind() string { return KindFinished }
