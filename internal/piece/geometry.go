package piece

import "errors"

// ErrBadGeometry is returned by the geometry helpers when an index or length
// argument doesn't fit within the torrent's declared size.
var ErrBadGeometry = errors.New("piece: invalid geometry")

// PieceCount returns the number of pieces a torrent of size bytes splits
// into at pieceLen bytes per piece. The final piece may be shorter.
func PieceCount(size int64, pieceLen int32) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + int64(pieceLen) - 1) / int64(pieceLen))
}

// PieceOffsetBounds returns the [start, end) byte range piece idx occupies
// within the torrent's logical byte stream.
func PieceOffsetBounds(idx int, size int64, pieceLen int32) (start, end int64, err error) {
	if idx < 0 || idx >= PieceCount(size, pieceLen) {
		return 0, 0, ErrBadGeometry
	}

	start = int64(idx) * int64(pieceLen)
	end = start + int64(pieceLen)
	if end > size {
		end = size
	}
	return start, end, nil
}

// PieceLengthAt returns the length in bytes of piece idx, accounting for a
// short final piece.
func PieceLengthAt(idx int, size int64, pieceLen int32) (int32, error) {
	start, end, err := PieceOffsetBounds(idx, size, pieceLen)
	if err != nil {
		return 0, err
	}
	return int32(end - start), nil
}

// BlockCountForPiece returns how many blockLen-sized blocks a piece of
// length pieceLen splits into. The final block may be shorter.
func BlockCountForPiece(pieceLen, blockLen int32) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	return int((pieceLen + blockLen - 1) / blockLen)
}

// BlockOffsetBounds returns the begin offset (relative to the start of the
// piece) and length of block blockIdx within a piece of length pieceLen,
// requested in blockLen-sized chunks.
func BlockOffsetBounds(pieceLen, blockLen int32, blockIdx int) (begin, length int32, err error) {
	if blockIdx < 0 || blockIdx >= BlockCountForPiece(pieceLen, blockLen) {
		return 0, 0, ErrBadGeometry
	}

	begin = int32(blockIdx) * blockLen
	length = blockLen
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return begin, length, nil
}
