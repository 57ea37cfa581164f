// Package task defines the unit of work that flows from the producer
// API through the queue to the transport client.
package task

import "github.com/google/uuid"

// EndpointMessage is the Bot API endpoint for plain text. Tasks on this
// endpoint are the only ones eligible for batching and deduplication.
const EndpointMessage = "sendMessage"

// Task is one pending submission to the Bot API. It is immutable once
// built: the queue owns it until dequeue, then whichever send attempt
// is in flight, then the failure ledger if the attempt budget runs out.
type Task struct {
	// ID correlates log lines for one task across queue, send attempts
	// and ledger retries.
	ID         string
	Endpoint   string
	Fields     map[string]string
	Attachment *Attachment
}

// Attachment carries file bytes fully in memory so a retried request
// can replay them from the start.
type Attachment struct {
	Field    string // multipart field name ("photo", "document", ...)
	FileName string
	MIME     string
	Data     []byte
}

// Stop is the sentinel task that ends queue collection when dequeued.
// It is never dispatched.
var Stop = &Task{Endpoint: "__stop__"}

func New(endpoint string, fields map[string]string, att *Attachment) *Task {
	return &Task{ID: uuid.NewString(), Endpoint: endpoint, Fields: fields, Attachment: att}
}

// IsText reports whether t is a plain text message, i.e. eligible for
// batch merging.
func (t *Task) IsText() bool { return t.Endpoint == EndpointMessage }

func (t *Task) IsStop() bool { return t == Stop }
