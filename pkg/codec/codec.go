package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	mpcodec "github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle = &mpcodec.MsgpackHandle{}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := mpcodec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("monsoon/codec: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := mpcodec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("monsoon/codec: decode payload: %w", err)
	}
	return nil
}

// padToUnit returns block padded with trailing zero bytes up to the next
// multiple of UnitSize.
func padToUnit(block []byte) []byte {
	rem := len(block) % UnitSize
	if rem == 0 {
		return block
	}
	padded := make([]byte, len(block)+(UnitSize-rem))
	copy(padded, block)
	return padded
}

// Units returns the number of UnitSize units a block of byteLen bytes
// occupies once padded.
func Units(byteLen int) int {
	return (byteLen + UnitSize - 1) / UnitSize
}

// ---- commit block ----

// EncodeCommit encodes a commit block naming header, padded to one unit.
func EncodeCommit(header Header) []byte {
	block := make([]byte, commitHeaderSize)
	binary.BigEndian.PutUint16(block[0:2], uint16(MagicCommit))
	putPointer(block[2:10], header.Root)
	putPointer(block[10:18], header.LeafLinks)
	putPointer(block[18:26], header.Metadata)
	return padToUnit(block)
}

// DecodeCommit decodes a commit block, validating its magic, its length of
// exactly one unit, and the zero padding that follows the three pointers.
func DecodeCommit(block []byte) (Header, error) {
	if len(block) != UnitSize {
		return Header{}, fmt.Errorf("monsoon/codec: commit block is %d bytes, want %d: %w", len(block), UnitSize, errShortBlock)
	}
	magic := Magic(binary.BigEndian.Uint16(block[0:2]))
	if magic != MagicCommit {
		return Header{}, fmt.Errorf("monsoon/codec: expected commit magic, got %#x: %w", magic, errBadMagic)
	}
	for _, b := range block[commitHeaderSize:] {
		if b != 0 {
			return Header{}, fmt.Errorf("monsoon/codec: commit block padding is not zero: %w", errBadMagic)
		}
	}
	return Header{
		Root:      getPointer(block[2:10]),
		LeafLinks: getPointer(block[10:18]),
		Metadata:  getPointer(block[18:26]),
	}, nil
}

func putPointer(b []byte, p BlockPointer) {
	binary.BigEndian.PutUint32(b[0:4], p.Offset)
	binary.BigEndian.PutUint32(b[4:8], p.Length)
}

func getPointer(b []byte) BlockPointer {
	return BlockPointer{
		Offset: binary.BigEndian.Uint32(b[0:4]),
		Length: binary.BigEndian.Uint32(b[4:8]),
	}
}

// ---- node blocks (leaf / interior) ----

// EncodeLeaf encodes a leaf node block. id must be nonzero.
func EncodeLeaf(id uint64, leaf Leaf) ([]byte, error) {
	payload, err := marshal(leaf)
	if err != nil {
		return nil, err
	}
	return encodeNodeBlock(id, payload), nil
}

// EncodeInterior encodes an interior node block (leaf id field is 0).
func EncodeInterior(interior Interior) ([]byte, error) {
	payload, err := marshal(interior)
	if err != nil {
		return nil, err
	}
	return encodeNodeBlock(0, payload), nil
}

func encodeNodeBlock(id uint64, payload []byte) []byte {
	block := make([]byte, nodeHeaderSize+len(payload))
	binary.BigEndian.PutUint16(block[0:2], uint16(MagicNode))
	binary.BigEndian.PutUint64(block[2:10], id)
	binary.BigEndian.PutUint32(block[10:14], uint32(len(payload)))
	copy(block[nodeHeaderSize:], payload)
	return padToUnit(block)
}

// DecodeNode decodes a node block into either a leaf or an interior.
// Exactly one of leaf/interior is non-nil on success; id is 0 for
// interior nodes.
func DecodeNode(block []byte) (id uint64, isLeaf bool, leaf *Leaf, interior *Interior, err error) {
	if len(block) < nodeHeaderSize {
		return 0, false, nil, nil, fmt.Errorf("monsoon/codec: node block too short (%d bytes): %w", len(block), errShortBlock)
	}
	magic := Magic(binary.BigEndian.Uint16(block[0:2]))
	if magic != MagicNode {
		return 0, false, nil, nil, fmt.Errorf("monsoon/codec: expected node magic, got %#x: %w", magic, errBadMagic)
	}
	id = binary.BigEndian.Uint64(block[2:10])
	payloadLen := binary.BigEndian.Uint32(block[10:14])
	if nodeHeaderSize+int(payloadLen) > len(block) {
		return 0, false, nil, nil, fmt.Errorf("monsoon/codec: node payload length %d exceeds block: %w", payloadLen, errShortBlock)
	}
	payload := block[nodeHeaderSize : nodeHeaderSize+int(payloadLen)]
	if id != 0 {
		var l Leaf
		if err := unmarshal(payload, &l); err != nil {
			return 0, false, nil, nil, err
		}
		return id, true, &l, nil, nil
	}
	var in Interior
	if err := unmarshal(payload, &in); err != nil {
		return 0, false, nil, nil, err
	}
	return 0, false, nil, &in, nil
}

// ---- leaf-links block ----

// EncodeLeafLinks encodes the leaf-links block.
func EncodeLeafLinks(links LeafLinks) ([]byte, error) {
	payload, err := marshal(links)
	if err != nil {
		return nil, err
	}
	return encodeSideBlock(MagicLeafLinks, payload), nil
}

// DecodeLeafLinks decodes the leaf-links block.
func DecodeLeafLinks(block []byte) (LeafLinks, error) {
	payload, err := decodeSideBlock(MagicLeafLinks, block)
	if err != nil {
		return LeafLinks{}, err
	}
	var links LeafLinks
	if err := unmarshal(payload, &links); err != nil {
		return LeafLinks{}, err
	}
	if links.Links == nil {
		links.Links = make(map[uint64]LeafLink)
	}
	return links, nil
}

// ---- metadata block ----

// EncodeMetadata encodes the metadata block.
func EncodeMetadata(meta Metadata) ([]byte, error) {
	payload, err := marshal(meta)
	if err != nil {
		return nil, err
	}
	return encodeSideBlock(MagicMetadata, payload), nil
}

// DecodeMetadata decodes the metadata block.
func DecodeMetadata(block []byte) (Metadata, error) {
	payload, err := decodeSideBlock(MagicMetadata, block)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := unmarshal(payload, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func encodeSideBlock(magic Magic, payload []byte) []byte {
	block := make([]byte, sideHeaderSize+len(payload))
	binary.BigEndian.PutUint16(block[0:2], uint16(magic))
	binary.BigEndian.PutUint32(block[2:6], uint32(len(payload)))
	copy(block[sideHeaderSize:], payload)
	return padToUnit(block)
}

func decodeSideBlock(want Magic, block []byte) ([]byte, error) {
	if len(block) < sideHeaderSize {
		return nil, fmt.Errorf("monsoon/codec: block too short (%d bytes): %w", len(block), errShortBlock)
	}
	magic := Magic(binary.BigEndian.Uint16(block[0:2]))
	if magic != want {
		return nil, fmt.Errorf("monsoon/codec: expected magic %#x, got %#x: %w", want, magic, errBadMagic)
	}
	payloadLen := binary.BigEndian.Uint32(block[2:6])
	if sideHeaderSize+int(payloadLen) > len(block) {
		return nil, fmt.Errorf("monsoon/codec: payload length %d exceeds block: %w", payloadLen, errShortBlock)
	}
	return block[sideHeaderSize : sideHeaderSize+int(payloadLen)], nil
}

// PeekMagic reads the leading magic of a raw unit-aligned buffer without
// otherwise validating or decoding it. Used by the block log's backward
// scans.
func PeekMagic(unit []byte) (Magic, bool) {
	if len(unit) < 2 {
		return 0, false
	}
	return Magic(binary.BigEndian.Uint16(unit[0:2])), true
}

// PeekNodeHeader reads the fixed header fields of a node block (magic, leaf
// id, payload length) from its leading unit without decoding the payload,
// and reports the block's full padded length in bytes. A node block may
// span more than one unit; callers must re-read that many bytes from the
// block's start before calling DecodeNode. ok is false if unit is shorter
// than the header or does not carry the node magic.
func PeekNodeHeader(unit []byte) (id uint64, blockLen int, ok bool) {
	if len(unit) < nodeHeaderSize {
		return 0, 0, false
	}
	if Magic(binary.BigEndian.Uint16(unit[0:2])) != MagicNode {
		return 0, 0, false
	}
	id = binary.BigEndian.Uint64(unit[2:10])
	payloadLen := binary.BigEndian.Uint32(unit[10:14])
	blockLen = Units(nodeHeaderSize+int(payloadLen)) * UnitSize
	return id, blockLen, true
}
