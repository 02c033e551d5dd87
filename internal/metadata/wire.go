package metadata

import (
	"fmt"

	"warren/internal/bencode"
	"warren/internal/cast"
	"warren/internal/protocol"
)

// encodeMetadataMessage bencodes dict and appends payload verbatim, the
// wire layout BEP 9 defines for ut_metadata messages: a bencoded header
// dict immediately followed by raw piece bytes for "data" messages (empty
// for "request"/"reject").
func encodeMetadataMessage(extendedID uint8, dict map[string]any, payload []byte) (*protocol.Message, error) {
	header, err := bencode.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode: %w", err)
	}
	body := append(header, payload...)
	return protocol.MessageExtended(extendedID, body), nil
}

// decodeMetadataMessage splits body into its bencoded header dict and
// trailing raw payload, returning the header's msg_type and piece index.
func decodeMetadataMessage(body []byte) (msgType, piece int, payload []byte, err error) {
	d := bencode.NewDecoder(body)
	v, err := d.Decode()
	if err != nil {
		return 0, 0, nil, err
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return 0, 0, nil, fmt.Errorf("metadata: message header is not a dict")
	}

	mt, err := cast.ToInt(dict["msg_type"])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("metadata: msg_type: %w", err)
	}
	p, err := cast.ToInt(dict["piece"])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("metadata: piece: %w", err)
	}

	return int(mt), int(p), body[d.Pos():], nil
}

// parseMetadataSize extracts metadata_size from a decoded extension
// handshake body.
func parseMetadataSize(body []byte) (int, error) {
	raw, err := bencode.Unmarshal(body)
	if err != nil {
		return 0, fmt.Errorf("metadata: handshake: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("metadata: handshake is not a dict")
	}

	size, ok := dict["metadata_size"]
	if !ok {
		return 0, ErrExtensionUnsupported
	}
	n, err := cast.ToInt(size)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("metadata: invalid metadata_size")
	}
	return int(n), nil
}
