package mqttwire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/autopeer-io/datasync/internal/synccore"
)

// envelope is the wire framing for every message exchanged over MQTT. The
// pack this client is grounded on carries proto-generated messages
// through protojson; this client has no
// domain-specific .proto schema, so it frames the same generic fields
// through a google.protobuf.Struct, which is itself a proto.Message and
// round-trips through protojson without code generation.
type envelope struct {
	CorrelationID string `json:"correlationId,omitempty"`
	ModelType     string `json:"modelType,omitempty"`
	NextToken     string `json:"nextToken,omitempty"`
	Limit         int    `json:"limit,omitempty"`

	RecordID         string `json:"recordId,omitempty"`
	SerializedPayload []byte `json:"serializedPayload,omitempty"`
	// BlobKey is set instead of SerializedPayload when the payload exceeded
	// the configured inline threshold and was offloaded to the blob store;
	// the receiving side resolves it back into SerializedPayload.
	BlobKey          string  `json:"blobKey,omitempty"`
	Version          uint64  `json:"version,omitempty"`
	Deleted          bool    `json:"deleted,omitempty"`
	LastChangedAt    int64   `json:"lastChangedAt,omitempty"`

	MutationType    string `json:"mutationType,omitempty"`
	ExpectedVersion *uint64 `json:"expectedVersion,omitempty"`

	Items []envelope `json:"items,omitempty"`

	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	HasRemote    bool   `json:"hasRemote,omitempty"`
}

func (e envelope) toMap() (map[string]any, error) {
	raw, err := structMarshalJSON(e)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func marshalEnvelope(e envelope) ([]byte, error) {
	m, err := e.toMap()
	if err != nil {
		return nil, fmt.Errorf("mqttwire: encode envelope: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("mqttwire: build struct: %w", err)
	}
	return protojson.Marshal(st)
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return envelope{}, fmt.Errorf("mqttwire: decode struct: %w", err)
	}
	var e envelope
	if err := structUnmarshalJSON(st.AsMap(), &e); err != nil {
		return envelope{}, fmt.Errorf("mqttwire: decode envelope: %w", err)
	}
	return e, nil
}

func mutationSyncToEnvelope(ms synccore.MutationSync) envelope {
	return envelope{
		ModelType:         ms.Record.ModelType,
		RecordID:          ms.Record.ID,
		SerializedPayload: ms.Record.SerializedPayload,
		Version:           ms.SyncMetadata.Version,
		Deleted:           ms.SyncMetadata.Deleted,
		LastChangedAt:     ms.SyncMetadata.LastChangedAt,
	}
}

func envelopeToMutationSync(e envelope) synccore.MutationSync {
	return synccore.MutationSync{
		Record: synccore.Record{
			ID:                e.RecordID,
			ModelType:         e.ModelType,
			SerializedPayload: e.SerializedPayload,
		},
		SyncMetadata: synccore.SyncMetadata{
			ID:            e.RecordID,
			ModelType:     e.ModelType,
			Version:       e.Version,
			LastChangedAt: e.LastChangedAt,
			Deleted:       e.Deleted,
		},
	}
}
