// Package persistence serializes built index structures to a framed container
// format. A file carries a fixed magic and version, a plain header frame that
// can be inspected without decompressing anything, and an lz4-compressed
// snapshot frame. Every frame is CRC-checked so truncation and corruption are
// detected before gob decoding runs.
//
// Point data is never stored: loading an index requires the original dataset.
package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/distance"
	"github.com/quiverdb/quiver/pkg/core/index"
	"github.com/quiverdb/quiver/pkg/core/params"
)

var magic = [4]byte{'Q', 'V', 'I', 'X'}

const (
	formatVersion = 1

	flagLZ4 = 1 << 0

	// maxFrameSize rejects absurd lengths before allocating, which turns a
	// corrupted length field into a clean error instead of an OOM.
	maxFrameSize = 1 << 30
)

var (
	// ErrBadMagic means the stream is not an index file.
	ErrBadMagic = errors.New("not an index file")
	// ErrUnsupportedVersion means the file was written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported index file version")
	// ErrCorrupt means a frame failed its CRC or length check.
	ErrCorrupt = errors.New("corrupt index file")
)

// Header describes a persisted index. It is stored uncompressed so tools can
// list files cheaply.
type Header struct {
	IndexID       uuid.UUID
	Algorithm     params.Algorithm
	AlgorithmCode int
	Element       dataset.ElementType
	Metric        distance.Metric
	Rows          int
	Cols          int
	CreatedAt     time.Time
	SavedAt       time.Time
}

// Write serializes a header and snapshot to w.
func Write(w io.Writer, h *Header, snap *index.Snapshot) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}
	if _, err := w.Write([]byte{formatVersion, flagLZ4}); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	var headerBuf bytes.Buffer
	if err := gob.NewEncoder(&headerBuf).Encode(h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if err := writeFrame(w, headerBuf.Bytes()); err != nil {
		return err
	}

	var snapBuf bytes.Buffer
	if err := gob.NewEncoder(&snapBuf).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(snapBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return writeFrame(w, compressed.Bytes())
}

// Read parses a stream written by Write.
func Read(r io.Reader) (*Header, *index.Snapshot, error) {
	var preamble [6]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if !bytes.Equal(preamble[:4], magic[:]) {
		return nil, nil, ErrBadMagic
	}
	if preamble[4] != formatVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, preamble[4])
	}
	flags := preamble[5]

	headerPayload, err := readFrame(r)
	if err != nil {
		return nil, nil, err
	}
	var h Header
	if err := gob.NewDecoder(bytes.NewReader(headerPayload)).Decode(&h); err != nil {
		return nil, nil, fmt.Errorf("%w: header decode: %v", ErrCorrupt, err)
	}

	snapPayload, err := readFrame(r)
	if err != nil {
		return nil, nil, err
	}
	if flags&flagLZ4 != 0 {
		decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(snapPayload)))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decompression: %v", ErrCorrupt, err)
		}
		snapPayload = decompressed
	}
	var snap index.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(snapPayload)).Decode(&snap); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot decode: %v", ErrCorrupt, err)
	}
	return &h, &snap, nil
}

// writeFrame emits length, CRC32, payload.
func writeFrame(w io.Writer, payload []byte) error {
	var prefix [8]byte
	binary.LittleEndian.PutUint32(prefix[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(prefix[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated frame prefix: %v", ErrCorrupt, err)
	}
	length := binary.LittleEndian.Uint32(prefix[0:4])
	sum := binary.LittleEndian.Uint32(prefix[4:8])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrCorrupt, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame payload: %v", ErrCorrupt, err)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("%w: frame checksum mismatch", ErrCorrupt)
	}
	return payload, nil
}
