package persistence

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HeaderEncoding selects how commit headers are written. All encodings are accepted on read.
type HeaderEncoding int

const (
	// HeadersAsDocument writes {"key": value}.
	HeadersAsDocument HeaderEncoding = iota
	// HeadersAsArrayOfDocuments writes [{"k": key, "v": value}].
	HeadersAsArrayOfDocuments
	// HeadersAsArrayOfArrays writes [[key, value]].
	HeadersAsArrayOfArrays
)

// PayloadRepresentation selects how serialized payloads are embedded. Both are accepted on read.
type PayloadRepresentation int

const (
	// PayloadStructured embeds the serializer output as a JSON document.
	// It requires a serializer producing JSON objects or arrays.
	PayloadStructured PayloadRepresentation = iota
	// PayloadBinary embeds the serializer output as an opaque base64 string.
	PayloadBinary
)

// CodecOptions is fixed at construction time; a codec never changes its mappings afterwards.
type CodecOptions struct {
	Headers  HeaderEncoding
	Payloads PayloadRepresentation
}

// Codec maps commits and snapshots to and from their stored documents.
// It has no side effects and is safe for concurrent use.
type Codec struct {
	serializer Serializer
	opts       CodecOptions
}

func NewCodec(serializer Serializer, opts CodecOptions) *Codec {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &Codec{serializer: serializer, opts: opts}
}

// ToStorageDocument builds the document for an attempt at the given checkpoint.
// Events are numbered so that the last one carries attempt.StreamRevision.
func (c *Codec) ToStorageDocument(attempt CommitAttempt, checkpoint int64) (*CommitDocument, error) {
	headers, err := c.encodeHeaders(attempt.Headers)
	if err != nil {
		return nil, err
	}
	from := attempt.StreamRevision - (len(attempt.Events) - 1)
	events := make([]EventDocument, len(attempt.Events))
	for i, event := range attempt.Events {
		payload, err := c.encodePayload(event)
		if err != nil {
			return nil, errors.Wrapf(err, "event %d", i)
		}
		events[i] = EventDocument{StreamRevision: from + i, Payload: payload}
	}
	return &CommitDocument{
		CheckpointNumber:   checkpoint,
		BucketID:           attempt.BucketID,
		StreamID:           attempt.StreamID,
		StreamRevisionFrom: from,
		StreamRevisionTo:   attempt.StreamRevision,
		CommitID:           attempt.CommitID.String(),
		CommitStamp:        attempt.CommitStamp.UTC(),
		CommitSequence:     attempt.CommitSequence,
		Events:             events,
		Headers:            headers,
	}, nil
}

// ToEmptyCommit builds a placeholder occupying checkpoint in the system bucket. Its stream
// id is derived from the checkpoint so it never collides with a real stream.
func (c *Codec) ToEmptyCommit(attempt CommitAttempt, checkpoint int64, systemBucket string) *CommitDocument {
	return &CommitDocument{
		CheckpointNumber: checkpoint,
		BucketID:         systemBucket,
		StreamID:         strconv.FormatInt(checkpoint, 10),
		CommitID:         attempt.CommitID.String(),
		CommitStamp:      attempt.CommitStamp.UTC(),
		CommitSequence:   1,
		Events:           []EventDocument{},
	}
}

// ToCommit decodes a stored document. Missing required fields fail with a SerializationError.
func (c *Codec) ToCommit(doc *CommitDocument) (Commit, error) {
	if doc == nil {
		return Commit{}, serializationError("document", errors.New("nil commit document"))
	}
	switch {
	case doc.CheckpointNumber <= 0:
		return Commit{}, serializationError("_id", errors.New("missing checkpoint number"))
	case doc.BucketID == "":
		return Commit{}, serializationError("BucketId", errors.New("missing"))
	case doc.StreamID == "":
		return Commit{}, serializationError("StreamId", errors.New("missing"))
	case doc.CommitSequence <= 0:
		return Commit{}, serializationError("CommitSequence", errors.New("missing"))
	case doc.CommitStamp.IsZero():
		return Commit{}, serializationError("CommitStamp", errors.New("missing"))
	case doc.Events == nil:
		return Commit{}, serializationError("Events", errors.New("missing"))
	}
	commitID, err := uuid.Parse(doc.CommitID)
	if err != nil {
		return Commit{}, serializationError("CommitId", err)
	}
	headers, err := decodeHeaders(doc.Headers)
	if err != nil {
		return Commit{}, err
	}
	events := make([]EventMessage, len(doc.Events))
	for i, event := range doc.Events {
		if err := c.decodePayload(event.Payload, &events[i]); err != nil {
			return Commit{}, err
		}
	}
	return Commit{
		CommitAttempt: CommitAttempt{
			BucketID:       doc.BucketID,
			StreamID:       doc.StreamID,
			CommitID:       commitID,
			CommitSequence: doc.CommitSequence,
			StreamRevision: doc.StreamRevisionTo,
			CommitStamp:    doc.CommitStamp,
			Headers:        headers,
			Events:         events,
		},
		Checkpoint: Checkpoint(doc.CheckpointNumber),
	}, nil
}

func (c *Codec) ToSnapshotDocument(s Snapshot) (*SnapshotDocument, error) {
	payload, err := c.encodePayload(s.Payload)
	if err != nil {
		return nil, err
	}
	return &SnapshotDocument{
		ID: SnapshotID{
			BucketID:       s.BucketID,
			StreamID:       s.StreamID,
			StreamRevision: s.StreamRevision,
		},
		Payload: payload,
	}, nil
}

func (c *Codec) ToSnapshot(doc *SnapshotDocument) (Snapshot, error) {
	if doc == nil {
		return Snapshot{}, serializationError("document", errors.New("nil snapshot document"))
	}
	if doc.ID.BucketID == "" || doc.ID.StreamID == "" {
		return Snapshot{}, serializationError("_id", errors.New("missing stream key"))
	}
	var payload interface{}
	if err := c.decodePayload(doc.Payload, &payload); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		BucketID:       doc.ID.BucketID,
		StreamID:       doc.ID.StreamID,
		StreamRevision: doc.ID.StreamRevision,
		Payload:        payload,
	}, nil
}

func (c *Codec) encodePayload(v interface{}) (json.RawMessage, error) {
	data, err := c.serializer.Serialize(v)
	if err != nil {
		return nil, serializationError("Payload", err)
	}
	if c.opts.Payloads == PayloadBinary {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, serializationError("Payload", err)
		}
		return encoded, nil
	}
	if !json.Valid(data) || !isDocument(data) {
		return nil, serializationError("Payload", errors.New("structured payloads require a JSON document"))
	}
	return json.RawMessage(data), nil
}

func (c *Codec) decodePayload(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	var data []byte
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return serializationError("Payload", errors.New("missing"))
	case isDocument(raw):
		data = raw
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &data); err != nil {
			return serializationError("Payload", err)
		}
	default:
		return serializationError("Payload", errors.Errorf("unexpected payload %.20q", raw))
	}
	if err := c.serializer.Deserialize(data, v); err != nil {
		return serializationError("Payload", err)
	}
	return nil
}

func isDocument(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

type headerPair struct {
	K *string     `json:"k"`
	V interface{} `json:"v"`
}

func (c *Codec) encodeHeaders(headers map[string]interface{}) (json.RawMessage, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	var v interface{} = headers
	switch c.opts.Headers {
	case HeadersAsArrayOfDocuments:
		pairs := make([]headerPair, 0, len(headers))
		for _, k := range sortedKeys(headers) {
			k := k
			pairs = append(pairs, headerPair{K: &k, V: headers[k]})
		}
		v = pairs
	case HeadersAsArrayOfArrays:
		pairs := make([][2]interface{}, 0, len(headers))
		for _, k := range sortedKeys(headers) {
			pairs = append(pairs, [2]interface{}{k, headers[k]})
		}
		v = pairs
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, serializationError("Headers", err)
	}
	return data, nil
}

func decodeHeaders(raw json.RawMessage) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '{':
		headers := make(map[string]interface{})
		if err := unmarshalNumbers(raw, &headers); err != nil {
			return nil, serializationError("Headers", err)
		}
		return headers, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, serializationError("Headers", err)
		}
		headers := make(map[string]interface{}, len(items))
		for i, item := range items {
			k, v, err := decodeHeaderPair(item)
			if err != nil {
				return nil, serializationError("Headers["+strconv.Itoa(i)+"]", err)
			}
			headers[k] = v
		}
		return headers, nil
	}
	return nil, serializationError("Headers", errors.Errorf("unexpected headers %.20q", raw))
}

func decodeHeaderPair(raw json.RawMessage) (string, interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil, errors.New("empty header")
	}
	if raw[0] == '{' {
		var pair headerPair
		if err := unmarshalNumbers(raw, &pair); err != nil {
			return "", nil, err
		}
		if pair.K == nil {
			return "", nil, errors.New("header without key")
		}
		return *pair.K, pair.V, nil
	}
	var pair []interface{}
	if err := unmarshalNumbers(raw, &pair); err != nil {
		return "", nil, err
	}
	if len(pair) != 2 {
		return "", nil, errors.Errorf("header pair has %d elements", len(pair))
	}
	k, ok := pair[0].(string)
	if !ok {
		return "", nil, errors.New("header key is not a string")
	}
	return k, pair[1], nil
}

func unmarshalNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
