package bencode

import "fmt"

// Locate walks the top-level dictionary in data looking for key, decoding
// and discarding every other key/value pair along the way, and returns the
// exact byte span of key's value as it appears in data — not a re-encoding
// of the decoded value.
//
// This matters because the parsed representation of a dict loses whether
// its source encoding was canonical (key order, integer formatting):
// re-marshaling a decoded value and hashing that instead of the original
// bytes can silently produce a different hash than the source file, peers,
// or trackers expect. Locate never rebuilds anything; it only reports where
// the value already sits in data.
func Locate(data []byte, key string) ([]byte, error) {
	d := NewDecoder(data)

	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if b != byte(TokenDict) {
		return nil, fmt.Errorf("bencode: Locate: top-level value is not a dictionary")
	}

	for {
		peeked, err := d.peek()
		if err != nil {
			return nil, err
		}
		if peeked == byte(TokenEnding) {
			return nil, fmt.Errorf("bencode: Locate: key %q not found", key)
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}

		valueStart := d.pos
		if _, err := d.decode(1); err != nil {
			return nil, err
		}
		valueEnd := d.pos

		if k == key {
			return data[valueStart:valueEnd], nil
		}
	}
}
