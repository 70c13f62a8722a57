// Package ids implements the two opaque identifier kinds used throughout
// the client: 128-bit entity ids (tracks, albums, artists, playlists, shows,
// episodes) and 160-bit file ids. Both are value types with fixed-size raw
// storage.
package ids

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// EntityType identifies the kind of entity an EntityID refers to. It is
// part of EntityID equality: two ids with identical raw bytes but different
// types are not equal.
type EntityType uint8

const (
	TypeUnknown EntityType = iota
	TypeTrack
	TypeAlbum
	TypeArtist
	TypePlaylist
	TypeShow
	TypeEpisode
)

var typeNames = map[EntityType]string{
	TypeTrack:    "track",
	TypeAlbum:    "album",
	TypeArtist:   "artist",
	TypePlaylist: "playlist",
	TypeShow:     "show",
	TypeEpisode:  "episode",
}

var namesToType = func() map[string]EntityType {
	m := make(map[string]EntityType, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

func (t EntityType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ErrInvalidID is returned for malformed base62/base16/URI input.
var ErrInvalidID = errors.New("ids: invalid entity id")

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// EntityID is a 128-bit opaque identifier plus its entity type.
type EntityID struct {
	raw [16]byte
	typ EntityType
}

// NewEntityID builds an EntityID from 16 raw bytes and a type. raw must be
// exactly 16 bytes.
func NewEntityID(raw []byte, typ EntityType) (EntityID, error) {
	if len(raw) != 16 {
		return EntityID{}, fmt.Errorf("%w: raw must be 16 bytes, got %d", ErrInvalidID, len(raw))
	}
	var id EntityID
	copy(id.raw[:], raw)
	id.typ = typ
	return id, nil
}

// Type returns the entity's type.
func (id EntityID) Type() EntityType { return id.typ }

// Equal reports whether id and other have the same raw bytes and type.
func (id EntityID) Equal(other EntityID) bool {
	return id.typ == other.typ && id.raw == other.raw
}

// ToRaw returns the 16 raw bytes of the id.
func (id EntityID) ToRaw() []byte {
	out := make([]byte, 16)
	copy(out, id.raw[:])
	return out
}

// ToBase16 returns the 32-character lowercase hex form.
func (id EntityID) ToBase16() string {
	return hex.EncodeToString(id.raw[:])
}

// ToBase62 returns the 22-character base62 form, left-padded with '0'.
func (id EntityID) ToBase62() string {
	return encodeBase62(id.raw[:], 22)
}

// ToURI returns "scheme:type:base62id". scheme is normally "spotify".
func (id EntityID) ToURI(scheme string) string {
	return fmt.Sprintf("%s:%s:%s", scheme, id.typ, id.ToBase62())
}

// FromBase16 parses a 32-character lowercase hex string.
func FromBase16(s string, typ EntityType) (EntityID, error) {
	if len(s) != 32 {
		return EntityID{}, fmt.Errorf("%w: base16 id must be 32 chars, got %d", ErrInvalidID, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return EntityID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return NewEntityID(raw, typ)
}

// FromBase62 parses a 22-character base62 string.
func FromBase62(s string, typ EntityType) (EntityID, error) {
	if len(s) != 22 {
		return EntityID{}, fmt.Errorf("%w: base62 id must be 22 chars, got %d", ErrInvalidID, len(s))
	}
	raw, err := decodeBase62(s, 16)
	if err != nil {
		return EntityID{}, err
	}
	return NewEntityID(raw, typ)
}

// FromURI parses "scheme:type:base62id". The scheme is accepted but not
// validated against a fixed list (callers that care can check it
// themselves); type must be one of the known entity type names.
func FromURI(uri string) (EntityID, error) {
	parts := strings.SplitN(uri, ":", 3)
	if len(parts) != 3 {
		return EntityID{}, fmt.Errorf("%w: malformed uri %q", ErrInvalidID, uri)
	}
	typ, ok := namesToType[parts[1]]
	if !ok {
		return EntityID{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidID, parts[1])
	}
	return FromBase62(parts[2], typ)
}

// TryFromURI is a non-throwing variant of FromURI for callers that want to
// treat malformed input as "no id" rather than an error to propagate.
func TryFromURI(uri string) (EntityID, bool) {
	id, err := FromURI(uri)
	return id, err == nil
}

func encodeBase62(raw []byte, width int) string {
	// Treat raw as a big-endian 128-bit integer and repeatedly divide by 62.
	num := append([]byte(nil), raw...)
	var digits []byte
	allZero := func(b []byte) bool {
		for _, v := range b {
			if v != 0 {
				return false
			}
		}
		return true
	}
	for !allZero(num) {
		var rem uint32
		for i := range num {
			cur := uint32(num[i]) + rem*256
			num[i] = byte(cur / 62)
			rem = cur % 62
		}
		digits = append(digits, base62Alphabet[rem])
	}
	for len(digits) < width {
		digits = append(digits, base62Alphabet[0])
	}
	// digits were produced least-significant first; reverse.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	if len(digits) > width {
		digits = digits[len(digits)-width:]
	}
	return string(digits)
}

func decodeBase62(s string, rawLen int) ([]byte, error) {
	num := make([]byte, rawLen)
	for _, ch := range s {
		v := strings.IndexRune(base62Alphabet, ch)
		if v < 0 {
			return nil, fmt.Errorf("%w: invalid base62 character %q", ErrInvalidID, ch)
		}
		carry := uint32(v)
		for i := rawLen - 1; i >= 0; i-- {
			cur := uint32(num[i])*62 + carry
			num[i] = byte(cur & 0xff)
			carry = cur >> 8
		}
		if carry != 0 {
			return nil, fmt.Errorf("%w: base62 value overflows %d bytes", ErrInvalidID, rawLen)
		}
	}
	return num, nil
}
