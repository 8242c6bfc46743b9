// Package persistence stores world snapshots of the in-memory host as a
// checksummed binary file so the standalone daemon survives restarts.
package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
)

// Binary format constants
const (
	MagicBytes    = "SCNL"
	FormatVersion = 1
	headerSize    = 24
)

var (
	ErrCorrupt          = errors.New("snapshot is corrupt")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Header for binary format
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	NameLen  uint32
	DataLen  uint64
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

// Codec handles encoding/decoding of world snapshots
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a new codec
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed,
	}
}

// Encode serializes a named snapshot: header, name, payload.
func (c *Codec) Encode(name string, snap *memscene.Snapshot) ([]byte, error) {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		// Tiny worlds can grow under gzip.
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		NameLen:  uint32(len(name)),
		DataLen:  uint64(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if _, err := buf.WriteString(name); err != nil {
		return nil, err
	}
	if _, err := buf.Write(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes binary format to a snapshot and its name.
func (c *Codec) Decode(raw []byte) (string, *memscene.Snapshot, error) {
	if len(raw) < headerSize {
		return "", nil, errors.Join(ErrCorrupt, errors.New("data too short"))
	}

	buf := bytes.NewReader(raw)

	var header Header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return "", nil, errors.Join(ErrCorrupt, err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return "", nil, errors.Join(ErrCorrupt, errors.New("invalid magic bytes"))
	}
	if header.Version > FormatVersion {
		return "", nil, errors.Join(ErrCorrupt, errors.New("unsupported format version"))
	}
	if uint64(header.NameLen)+header.DataLen > uint64(buf.Len()) {
		return "", nil, errors.Join(ErrCorrupt, io.ErrUnexpectedEOF)
	}

	name := make([]byte, header.NameLen)
	if _, err := io.ReadFull(buf, name); err != nil {
		return "", nil, errors.Join(ErrCorrupt, err)
	}
	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(buf, data); err != nil {
		return "", nil, errors.Join(ErrCorrupt, err)
	}

	if crc32.ChecksumIEEE(data) != header.Checksum {
		return "", nil, errors.Join(ErrCorrupt, errors.New("checksum mismatch"))
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return "", nil, errors.Join(ErrCorrupt, err)
		}
		data = decompressed
	}

	var snap memscene.Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return "", nil, errors.Join(ErrCorrupt, err)
	}
	return string(name), &snap, nil
}

// compressData compresses using gzip
func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompressData decompresses gzip data
func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
