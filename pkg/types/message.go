package types

import "time"

// MessageSummary is the cached representation of a single remote message.
// Identity is defined solely by ID: two summaries with equal IDs refer to
// the same message regardless of other fields. The hydration fields
// (FullBody, PlainTextBody, InlineImages) stay empty until the full body
// is requested for the first time and are excluded from the JSON pushed
// to widget subscribers.
type MessageSummary struct {
	ID              string    `json:"id"`
	Folder          string    `json:"folder"`
	SeqNum          uint32    `json:"seq_num"`
	Subject         string    `json:"subject"`
	Sender          string    `json:"sender"`
	Description     string    `json:"description,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
	SizeBytes       int64     `json:"size_bytes"`
	Seen            bool      `json:"seen"`
	AttachmentNames []string  `json:"attachment_names,omitempty"`
	Preview         *string   `json:"preview,omitempty"`

	FullBody      *string           `json:"-"`
	PlainTextBody bool              `json:"-"`
	InlineImages  map[string]string `json:"-"`
}

// Body is the rendered result of a full-body request.
type Body struct {
	PlainText bool   `json:"plainText"`
	Body      string `json:"body"`
}
