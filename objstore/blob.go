package objstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/absfs/sandboxfs/internal/codec"
)

// Compression selects how chunk blobs are compressed before storage.
// The values are stored in blob envelopes and must not change.
type Compression uint8

const (
	CompressNone Compression = 0
	CompressZstd Compression = 1
	CompressLZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZstd:
		return "zstd"
	case CompressLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses "none", "zstd" or "lz4". The empty string
// selects zstd.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "zstd":
		return CompressZstd, nil
	case "lz4":
		return CompressLZ4, nil
	case "none":
		return CompressNone, nil
	default:
		return 0, fmt.Errorf("objstore: unknown compression %q", s)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("objstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("objstore: zstd decoder initialization failed: " + err.Error())
	}
}

// envelope is the stored form of a chunk before encryption.
type envelope struct {
	Comp Compression `cbor:"c"`
	Size int         `cbor:"s"`
	Data []byte      `cbor:"d"`
}

// blobKey is the content address of a plaintext chunk.
func blobKey(data []byte) string {
	sum := blake3.Sum256(data)
	return blobPrefix + hex.EncodeToString(sum[:])
}

func compress(data []byte, c Compression) (Compression, []byte, error) {
	switch c {
	case CompressZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) < len(data) {
			return CompressZstd, out, nil
		}
	case CompressLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// Zero means incompressible.
		if n > 0 && n < len(data) {
			return CompressLZ4, dst[:n], nil
		}
	case CompressNone:
	default:
		return 0, nil, fmt.Errorf("unsupported compression %v", c)
	}
	return CompressNone, data, nil
}

func decompress(e envelope) ([]byte, error) {
	switch e.Comp {
	case CompressNone:
		if len(e.Data) != e.Size {
			return nil, fmt.Errorf("stored chunk is %d bytes, expected %d", len(e.Data), e.Size)
		}
		return e.Data, nil
	case CompressZstd:
		out, err := zstdDecoder.DecodeAll(e.Data, make([]byte, 0, e.Size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != e.Size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), e.Size)
		}
		return out, nil
	case CompressLZ4:
		out := make([]byte, e.Size)
		n, err := lz4.UncompressBlock(e.Data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != e.Size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, e.Size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %v", e.Comp)
	}
}

// sealer turns plaintext chunks into stored blobs and back.
type sealer struct {
	compression Compression
	recipients  []age.Recipient
	identities  []age.Identity
}

func (s *sealer) seal(data []byte) ([]byte, error) {
	comp, payload, err := compress(data, s.compression)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Marshal(envelope{Comp: comp, Size: len(data), Data: payload})
	if err != nil {
		return nil, err
	}
	if len(s.recipients) == 0 {
		return raw, nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("encrypting chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *sealer) open(blob []byte) ([]byte, error) {
	raw := blob
	if len(s.identities) > 0 {
		r, err := age.Decrypt(bytes.NewReader(blob), s.identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting chunk: %w", err)
		}
		if raw, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted chunk: %w", err)
		}
	}
	var e envelope
	if err := codec.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding chunk envelope: %w", err)
	}
	return decompress(e)
}
