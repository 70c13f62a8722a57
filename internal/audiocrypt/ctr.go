// Package audiocrypt implements the seekable AES-128-CTR decryption wrapper
// applied to every downloaded audio object, plus the small header-related
// helpers (skip-header wrapper, embedded normalization/replay-gain block)
// that sit directly on top of it.
package audiocrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
)

// IV is the fixed 16-byte initial counter value used for every audio
// object. The counter for byte offset o is IV + floor(o/16), computed as
// 128-bit big-endian addition.
var IV = [16]byte{
	0x72, 0xe0, 0x67, 0xfb, 0xdd, 0xcb, 0xcf, 0x77,
	0xeb, 0xe8, 0xbc, 0x64, 0x3f, 0x63, 0x0d, 0x93,
}

// HeaderSize is the size, in bytes, of the proprietary audio object header
// that precedes the decoder-visible payload. The cipher applies to the
// header bytes too; only the decode path skips them.
const HeaderSize = 167

// Stream wraps an inner encrypted byte stream, decrypting on the fly with
// AES-128-CTR keyed by a 16-byte per-file key. Seeks translate 1:1 to the
// inner stream; the counter is recomputed from the absolute offset on every
// read, so reads may start or end mid-block without special handling.
type Stream struct {
	inner io.ReadSeeker
	block cipher.Block
	pos   int64
}

// New wraps inner with AES-128-CTR decryption using key (must be 16 bytes).
func New(inner io.ReadSeeker, key []byte) (*Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pos, err := inner.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	return &Stream{inner: inner, block: block, pos: pos}, nil
}

// Read decrypts bytes from the current position, advancing it by the
// number of bytes read.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.inner.Read(p)
	if n > 0 {
		s.xor(p[:n], s.pos)
		s.pos += int64(n)
	}
	return n, err
}

// Seek moves the stream's position, translating 1:1 to the inner stream.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.inner.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	s.pos = pos
	return pos, nil
}

// xor decrypts buf in place, treating buf[0] as ciphertext at absolute file
// offset "at".
func (s *Stream) xor(buf []byte, at int64) {
	blockSize := int64(s.block.BlockSize())
	blockIndex := uint64(at / blockSize)
	skip := int(at % blockSize)

	var ks [16]byte
	var counter [16]byte
	i := 0
	for i < len(buf) {
		counter = addCounter(IV, blockIndex)
		s.block.Encrypt(ks[:], counter[:])
		for j := skip; j < len(ks) && i < len(buf); j++ {
			buf[i] ^= ks[j]
			i++
		}
		skip = 0
		blockIndex++
	}
}

// addCounter adds n to the 128-bit big-endian value iv and returns the
// result; n covers a file far smaller than 2^64 blocks (2^68 bytes), so a
// 64-bit addend with carry propagation into the upper 64 bits suffices.
func addCounter(iv [16]byte, n uint64) [16]byte {
	out := iv
	carry := n
	for i := 15; i >= 0 && carry != 0; i-- {
		sum := uint64(out[i]) + (carry & 0xff)
		out[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	return out
}

// SkipStream exposes inner starting HeaderSize bytes in, so the decoder
// never sees the proprietary header. Its reported length is
// max(0, innerLength-HeaderSize); seeking is offset by +HeaderSize on the
// inner stream, and seeking before the start of the stream clamps to 0.
type SkipStream struct {
	inner  io.ReadSeeker
	skip   int64
	length int64 // total decoded length, or -1 if unknown
}

// NewSkipStream wraps inner, hiding the first skip bytes. innerLength may
// be -1 if the total length isn't known yet.
func NewSkipStream(inner io.ReadSeeker, skip int64, innerLength int64) (*SkipStream, error) {
	if _, err := inner.Seek(skip, io.SeekStart); err != nil {
		return nil, err
	}
	length := int64(-1)
	if innerLength >= 0 {
		length = innerLength - skip
		if length < 0 {
			length = 0
		}
	}
	return &SkipStream{inner: inner, skip: skip, length: length}, nil
}

// Len reports the decoded length, or -1 if unknown.
func (s *SkipStream) Len() int64 { return s.length }

func (s *SkipStream) Read(p []byte) (int, error) { return s.inner.Read(p) }

// Seek translates offset (relative to the skipped stream) to the inner
// stream by adding skip. Negative resulting offsets clamp to the start.
func (s *SkipStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		target := offset + s.skip
		if target < s.skip {
			target = s.skip
		}
		pos, err := s.inner.Seek(target, io.SeekStart)
		if err != nil {
			return 0, err
		}
		return pos - s.skip, nil
	case io.SeekCurrent:
		pos, err := s.inner.Seek(offset, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		if pos < s.skip {
			pos, err = s.inner.Seek(s.skip, io.SeekStart)
			if err != nil {
				return 0, err
			}
		}
		return pos - s.skip, nil
	case io.SeekEnd:
		if s.length < 0 {
			return 0, errors.New("audiocrypt: seek from end requires known length")
		}
		return s.Seek(s.length+offset, io.SeekStart)
	default:
		return 0, errors.New("audiocrypt: invalid whence")
	}
}
