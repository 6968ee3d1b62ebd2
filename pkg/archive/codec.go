package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/tinysync/pkg/rows"
)

// Codec selects the compression of an archive blob body.
type Codec byte

const (
	CodecZstd   Codec = 1
	CodecSnappy Codec = 2
)

const blobVersion = 1

// Frame: magic(4) | codec(1) | xxhash64 of body(8) | body
var blobMagic = []byte("TSA1")

const headerSize = 4 + 1 + 8

var (
	// ErrCorruptBlob is returned when a blob's frame or checksum is invalid
	ErrCorruptBlob = errors.New("corrupt archive blob")

	// ErrUnknownCodec is returned for an unsupported codec byte or name
	ErrUnknownCodec = errors.New("unknown archive codec")
)

// EncodeAll/DecodeAll are safe for concurrent use on shared instances.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// ParseCodec maps a config name to a Codec. Empty selects zstd.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// Blob is one client's archived rows for one calendar month, keyed by
// rows.ArchiveKey.
type Blob struct {
	Version   int                         `json:"version"`
	ClientID  string                      `json:"clientId"`
	Month     string                      `json:"month"`
	UpdatedAt time.Time                   `json:"updatedAt"`
	Records   map[string]rows.EnhancedRow `json:"records"`
}

func newBlob(clientID, month string) *Blob {
	return &Blob{
		Version:  blobVersion,
		ClientID: clientID,
		Month:    month,
		Records:  make(map[string]rows.EnhancedRow),
	}
}

// Encode serializes and compresses b.
func Encode(b *Blob, codec Codec) ([]byte, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}

	var body []byte
	switch codec {
	case CodecZstd:
		body = zstdEncoder.EncodeAll(payload, nil)
	case CodecSnappy:
		body = snappy.Encode(nil, payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(codec))
	}

	out := make([]byte, headerSize, headerSize+len(body))
	copy(out, blobMagic)
	out[4] = byte(codec)
	binary.BigEndian.PutUint64(out[5:headerSize], xxhash.Sum64(body))
	return append(out, body...), nil
}

// Decode verifies the frame checksum and decompresses a blob. The codec is
// read from the frame, so blobs written with either codec stay readable.
func Decode(data []byte) (*Blob, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], blobMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptBlob)
	}

	codec := Codec(data[4])
	sum := binary.BigEndian.Uint64(data[5:headerSize])
	body := data[headerSize:]
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptBlob)
	}

	var payload []byte
	var err error
	switch codec {
	case CodecZstd:
		payload, err = zstdDecoder.DecodeAll(body, nil)
	case CodecSnappy:
		payload, err = snappy.Decode(nil, body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(codec))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}

	var b Blob
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	if b.Records == nil {
		b.Records = make(map[string]rows.EnhancedRow)
	}
	return &b, nil
}
