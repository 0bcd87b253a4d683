// Package codec implements the memcomparable key encoding used for
// versioned keys: the user key is byte-group encoded so lexicographic
// comparison matches the original ordering, and the timestamp is appended
// bitwise inverted so versions of one key sort newest first.
//
// The byte encoding follows
// https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	groupSize = 8
	marker    = byte(0xFF)
	pad       = byte(0x0)
)

var padding = make([]byte, groupSize)

// EncodeKey appends an encoded timestamp to an encoded user key. Encoded
// keys sort first by user key ascending, then by timestamp descending.
func EncodeKey(key []byte, ts uint64) []byte {
	return AppendTs(EncodeBytes(key), ts)
}

// EncodeBytes encodes data in groups of 8 bytes, each group followed by a
// marker byte of 0xFF minus the number of padding zeroes in the group:
//
//	[]                       -> [0 0 0 0 0 0 0 0 247]
//	[1 2 3]                  -> [1 2 3 0 0 0 0 0 250]
//	[1 2 3 0]                -> [1 2 3 0 0 0 0 0 251]
//	[1 2 3 4 5 6 7 8]        -> [1 2 3 4 5 6 7 8 255 0 0 0 0 0 0 0 0 247]
//
// The result compares byte-wise in the same order as the input.
func EncodeBytes(data []byte) []byte {
	dLen := len(data)
	// Reserve room for the group markers plus a timestamp the caller is
	// likely to append next.
	result := make([]byte, 0, (dLen/groupSize+1)*(groupSize+1)+8)
	for idx := 0; idx <= dLen; idx += groupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= groupSize {
			result = append(result, data[idx:idx+groupSize]...)
		} else {
			padCount = groupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, padding[:padCount]...)
		}
		result = append(result, marker-byte(padCount))
	}
	return result
}

// AppendTs appends ts to an encoded key, inverted so that bigger
// timestamps sort before smaller ones.
func AppendTs(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, 8)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-8:], ^ts)
	return newKey
}

// DecodeUserKey strips the encoding and timestamp from a key produced by
// EncodeKey.
func DecodeUserKey(key []byte) []byte {
	_, userKey, err := DecodeBytes(key)
	if err != nil {
		panic(err)
	}
	return userKey
}

// DecodeTs extracts the timestamp from a key produced by EncodeKey.
func DecodeTs(key []byte) uint64 {
	left, _, err := DecodeBytes(key)
	if err != nil {
		panic(err)
	}
	return ^binary.BigEndian.Uint64(left)
}

// DecodeBytes reverses EncodeBytes, returning the remaining bytes after
// the encoded portion and the decoded value.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < groupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}
		group := b[:groupSize]
		m := b[groupSize]
		padCount := marker - m
		if padCount > groupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", b[:groupSize+1])
		}
		realSize := groupSize - padCount
		data = append(data, group[:realSize]...)
		b = b[groupSize+1:]
		if padCount != 0 {
			for _, v := range group[realSize:] {
				if v != pad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", group)
				}
			}
			break
		}
	}
	return b, data, nil
}
