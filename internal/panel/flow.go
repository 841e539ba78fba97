package panel

import "leetbuddy/internal/problem"

// FlowState is the save-confirmation state.
type FlowState string

const (
	FlowIdle      FlowState = "idle"
	FlowModalOpen FlowState = "modal-open"
)

// Flow is the save-confirmation flow. Fields other than State are only
// meaningful while the modal is open. SubmissionID is empty for manual
// saves; it is synthesized at confirm time.
type Flow struct {
	State          FlowState      `json:"status"`
	ElapsedSec     int64          `json:"elapsedSec,omitempty"`
	Source         problem.Source `json:"source,omitempty"`
	SubmissionID   string         `json:"submissionId,omitempty"`
	PrevElapsedSec *int64         `json:"prevTime,omitempty"`
}

// Open reports whether the modal is showing.
func (f Flow) Open() bool {
	return f.State == FlowModalOpen
}

func (f Flow) clone() Flow {
	if f.PrevElapsedSec != nil {
		p := *f.PrevElapsedSec
		f.PrevElapsedSec = &p
	}
	return f
}

// ElapsedSec is the whole seconds from startAt to at, both epoch-ms. An
// unknown start or a clock that went backwards gives zero.
func ElapsedSec(startAt, at int64) int64 {
	if startAt <= 0 || at <= startAt {
		return 0
	}
	return (at - startAt) / 1000
}
