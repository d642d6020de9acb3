package queue

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator"
	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// IngestMessage asks the worker to ingest one source document.
type IngestMessage struct {
	SourcePath string            `json:"source_path" validate:"required"`
	SourceID   string            `json:"source_id,omitempty"`
	Storage    string            `json:"storage" validate:"required,oneof=local s3"`
	PageNumber int               `json:"page_number,omitempty" validate:"min=0"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RunEvent is published to EventsExchange after every handled message.
type RunEvent struct {
	Message IngestMessage         `json:"message"`
	Status  common.RunStatus      `json:"status"`
	Stats   common.IngestionStats `json:"stats"`
	Error   string                `json:"error,omitempty"`
	Retries int                   `json:"retries"`
}

var validate = validator.New()

// DecodeIngestMessage parses and validates a message body. An empty
// Storage defaults to local.
func DecodeIngestMessage(body []byte) (IngestMessage, error) {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return IngestMessage{}, fmt.Errorf("queue: decode ingest message: %w", err)
	}
	if msg.Storage == "" {
		msg.Storage = StorageLocal
	}
	if err := validate.Struct(msg); err != nil {
		return IngestMessage{}, fmt.Errorf("queue: invalid ingest message: %w", err)
	}
	return msg, nil
}

// Encode validates msg and returns its JSON body.
func (m IngestMessage) Encode() ([]byte, error) {
	if m.Storage == "" {
		m.Storage = StorageLocal
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("queue: invalid ingest message: %w", err)
	}
	return json.Marshal(m)
}

// Meta converts the message into the metadata attached to every node and
// relationship. SourceID defaults to the path.
func (m IngestMessage) Meta() common.SourceMetadata {
	id := m.SourceID
	if id == "" {
		id = m.SourcePath
	}
	var extra map[string]string
	if len(m.Metadata) > 0 {
		extra = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			extra[k] = v
		}
	}
	return common.SourceMetadata{
		SourceFile: m.SourcePath,
		PageNumber: m.PageNumber,
		SourceID:   id,
		Extra:      extra,
	}
}

// retriesOf reads the retry counter header. Values come back from the
// broker as any signed integer width.
func retriesOf(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
