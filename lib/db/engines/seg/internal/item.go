package internal

import (
	"encoding/binary"
)

// --------------------------------------------------------------------------
// Item Layout
// --------------------------------------------------------------------------

// An item is stored inline in a segment as a fixed header followed by the key
// and the value. Items are padded to itemAlign bytes so every header starts at
// an aligned offset.
//
//	+-------+--------+-----+----------+-------+----------+-----+-----+-------+
//	| magic | keyLen | tag | valueLen | flags | expireAt | cas | key | value |
//	|  u8   |   u8   | u16 |   u32    |  u32  |   u32    | u64 |     |       |
//	+-------+--------+-----+----------+-------+----------+-----+-----+-------+
const (
	ItemHeaderSize = 24
	itemMagic      = 0xA5
	itemAlign      = 8
)

// ItemHeader is the decoded fixed part of an item
type ItemHeader struct {
	KeyLen   uint8
	Tag      uint16
	ValueLen uint32
	Flags    uint32
	// ExpireAt is the clock second after which the item is dead, 0 = never
	ExpireAt uint32
	Cas      uint64
}

// Size returns the aligned number of bytes the item occupies in a segment
func (h ItemHeader) Size() int {
	return ItemSize(int(h.KeyLen), int(h.ValueLen))
}

// Expired reports whether the item is dead at clock second now
func (h ItemHeader) Expired(now uint32) bool {
	return h.ExpireAt != 0 && h.ExpireAt <= now
}

// ItemView is a decoded item. Key and Value alias segment memory and are only
// valid while the segment is pinned.
type ItemView struct {
	Header ItemHeader
	Key    []byte
	Value  []byte
	// Raw is the whole encoded item including padding
	Raw []byte
}

// ItemSize returns the aligned size of an item with the given key and value length
func ItemSize(keyLen, valueLen int) int {
	n := ItemHeaderSize + keyLen + valueLen
	return (n + itemAlign - 1) &^ (itemAlign - 1)
}

// TagOf derives the short validation tag stored in the item header from a key hash
func TagOf(hash uint64) uint16 {
	return uint16(hash >> 48)
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// encodeItem writes the item into dst, which must hold at least hdr.Size() bytes
func encodeItem(dst []byte, hdr ItemHeader, key, value []byte) {
	dst[0] = itemMagic
	dst[1] = hdr.KeyLen
	binary.LittleEndian.PutUint16(dst[2:4], hdr.Tag)
	binary.LittleEndian.PutUint32(dst[4:8], hdr.ValueLen)
	binary.LittleEndian.PutUint32(dst[8:12], hdr.Flags)
	binary.LittleEndian.PutUint32(dst[12:16], hdr.ExpireAt)
	binary.LittleEndian.PutUint64(dst[16:24], hdr.Cas)
	n := copy(dst[ItemHeaderSize:], key)
	copy(dst[ItemHeaderSize+n:], value)
}

// decodeHeader reads an item header from src.
// The boolean result is false if src does not start with a valid header.
func decodeHeader(src []byte) (ItemHeader, bool) {
	if len(src) < ItemHeaderSize || src[0] != itemMagic {
		return ItemHeader{}, false
	}
	return ItemHeader{
		KeyLen:   src[1],
		Tag:      binary.LittleEndian.Uint16(src[2:4]),
		ValueLen: binary.LittleEndian.Uint32(src[4:8]),
		Flags:    binary.LittleEndian.Uint32(src[8:12]),
		ExpireAt: binary.LittleEndian.Uint32(src[12:16]),
		Cas:      binary.LittleEndian.Uint64(src[16:24]),
	}, true
}

// decodeItem decodes the item starting at the beginning of src.
// src must end at the segment's published write offset.
func decodeItem(src []byte) (ItemView, bool) {
	hdr, ok := decodeHeader(src)
	if !ok || hdr.KeyLen == 0 {
		return ItemView{}, false
	}
	size := hdr.Size()
	if size > len(src) {
		return ItemView{}, false
	}
	keyEnd := ItemHeaderSize + int(hdr.KeyLen)
	return ItemView{
		Header: hdr,
		Key:    src[ItemHeaderSize:keyEnd:keyEnd],
		Value:  src[keyEnd : keyEnd+int(hdr.ValueLen) : keyEnd+int(hdr.ValueLen)],
		Raw:    src[:size:size],
	}, true
}
