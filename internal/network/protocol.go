package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"Provenance/internal/events"
)

const (
	// maxMessageSize is the maximum allowed message size (16 MB).
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4

	// maxBacklogBatch caps the records returned by one backlog request.
	maxBacklogBatch = 512
)

// Feed message types, carried in the first byte of every message.
const (
	msgEvent          byte = 1 // msgEvent carries one encoded record
	msgBacklogRequest byte = 2 // msgBacklogRequest asks for records from a seq
)

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}

// encodeEventMessage wraps a record for broadcast.
// Format: [msgEvent] [record]
func encodeEventMessage(rec events.Record) []byte {
	return append([]byte{msgEvent}, events.Encode(rec)...)
}

// decodeEventMessage parses a broadcast record.
func decodeEventMessage(data []byte) (events.Record, error) {
	if len(data) < 1 || data[0] != msgEvent {
		return events.Record{}, fmt.Errorf("not an event message")
	}

	return events.Decode(data[1:])
}

// encodeBacklogRequest asks for up to limit records starting at from.
// Format: [msgBacklogRequest] [from u64] [limit u32]
func encodeBacklogRequest(from uint64, limit uint32) []byte {
	buf := make([]byte, 13)
	buf[0] = msgBacklogRequest
	binary.BigEndian.PutUint64(buf[1:9], from)
	binary.BigEndian.PutUint32(buf[9:13], limit)

	return buf
}

// decodeBacklogRequest parses a backlog request. The limit is clamped to maxBacklogBatch.
func decodeBacklogRequest(data []byte) (uint64, int, error) {
	if len(data) != 13 || data[0] != msgBacklogRequest {
		return 0, 0, fmt.Errorf("invalid backlog request")
	}

	from := binary.BigEndian.Uint64(data[1:9])
	limit := int(binary.BigEndian.Uint32(data[9:13]))

	if limit <= 0 || limit > maxBacklogBatch {
		limit = maxBacklogBatch
	}

	return from, limit, nil
}

// encodeBacklogResponse packs records as a sequence of length-prefixed messages.
func encodeBacklogResponse(records []events.Record) []byte {
	var buf bytes.Buffer

	for _, rec := range records {
		// bytes.Buffer writes never fail
		writeMessage(&buf, events.Encode(rec))
	}

	return buf.Bytes()
}

// decodeBacklogResponse unpacks a backlog response.
func decodeBacklogResponse(data []byte) ([]events.Record, error) {
	var records []events.Record
	r := bytes.NewReader(data)

	for r.Len() > 0 {
		msg, err := readMessage(r)
		if err != nil {
			return nil, err
		}

		rec, err := events.Decode(msg)
		if err != nil {
			return nil, fmt.Errorf("decode record:\n%w", err)
		}

		records = append(records, rec)
	}

	return records, nil
}
