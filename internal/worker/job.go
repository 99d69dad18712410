package worker

type JobType int

const (
	Convert JobType = iota
	Stop
)

// ConvertTask asks for one invoice to be run through the conversion pipeline.
type ConvertTask struct {
	InvoiceID string
	UserID    int64
}

type Job struct {
	Type    JobType
	Convert ConvertTask
}
