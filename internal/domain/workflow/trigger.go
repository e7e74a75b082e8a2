package workflow

// Trigger represents an event that can cause a status transition.
type Trigger string

const (
	TriggerStartOCR    Trigger = "START_OCR"
	TriggerCompleteOCR Trigger = "COMPLETE_OCR"
	TriggerApprove     Trigger = "APPROVE"
	TriggerReject      Trigger = "REJECT"
	TriggerBook        Trigger = "BOOK"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
