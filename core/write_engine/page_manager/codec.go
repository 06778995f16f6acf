package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --- Serialization ---
//
// All integers are little-endian. Byte strings are uvarint-length prefixed.
// Optional PageIDs are a presence byte followed by 8 bytes when present.

var (
	ErrSerialization   = errors.New("error during serialization")
	ErrDeserialization = errors.New("error during deserialization")
)

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) bytes(b []byte) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) optPID(p *PageID) {
	if p == nil {
		e.byte(0)
		return
	}
	e.byte(1)
	e.u64(uint64(*p))
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int) error {
	if n < 0 || d.off+n > len(d.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrDeserialization, n, d.off, len(d.buf)-d.off)
	}
	return nil
}

func (d *decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, read := binary.Uvarint(d.buf[d.off:])
	if read <= 0 {
		return nil, fmt.Errorf("%w: bad length prefix at offset %d", ErrDeserialization, d.off)
	}
	d.off += read
	if n > uint64(len(d.buf)) {
		return nil, fmt.Errorf("%w: length %d exceeds buffer", ErrDeserialization, n)
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

func (d *decoder) optPID() (*PageID, error) {
	present, err := d.byte()
	if err != nil || present == 0 {
		return nil, err
	}
	v, err := d.u64()
	if err != nil {
		return nil, err
	}
	pid := PageID(v)
	return &pid, nil
}

func (d *decoder) done() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrDeserialization, len(d.buf)-d.off)
	}
	return nil
}

// EncodeFrag serializes a fragment for the log.
func EncodeFrag(f Frag) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 32)}
	e.byte(byte(f.Kind))
	switch f.Kind {
	case FragBase:
		if f.Base == nil {
			return nil, fmt.Errorf("%w: base fragment without node", ErrSerialization)
		}
		if err := encodeNode(e, f.Base); err != nil {
			return nil, err
		}
	case FragSet:
		e.bytes(f.Key)
		e.bytes(f.Value)
	case FragDel:
		e.bytes(f.Key)
	case FragChildSplit, FragParentSplit:
		e.bytes(f.Key)
		e.u64(uint64(f.Child))
	case FragParentMergeIntention, FragParentMergeConfirm:
		e.u64(uint64(f.Child))
	case FragChildMergeCap:
	default:
		return nil, fmt.Errorf("%w: unknown fragment kind %d", ErrSerialization, f.Kind)
	}
	return e.buf, nil
}

// DecodeFrag reverses EncodeFrag.
func DecodeFrag(data []byte) (Frag, error) {
	d := &decoder{buf: data}
	kind, err := d.byte()
	if err != nil {
		return Frag{}, err
	}
	f := Frag{Kind: FragKind(kind)}
	switch f.Kind {
	case FragBase:
		n, err := decodeNode(d)
		if err != nil {
			return Frag{}, err
		}
		f.Base = &n
	case FragSet:
		if f.Key, err = d.bytes(); err != nil {
			return Frag{}, err
		}
		if f.Value, err = d.bytes(); err != nil {
			return Frag{}, err
		}
	case FragDel:
		if f.Key, err = d.bytes(); err != nil {
			return Frag{}, err
		}
	case FragChildSplit, FragParentSplit:
		if f.Key, err = d.bytes(); err != nil {
			return Frag{}, err
		}
		child, err := d.u64()
		if err != nil {
			return Frag{}, err
		}
		f.Child = PageID(child)
	case FragParentMergeIntention, FragParentMergeConfirm:
		child, err := d.u64()
		if err != nil {
			return Frag{}, err
		}
		f.Child = PageID(child)
	case FragChildMergeCap:
	default:
		return Frag{}, fmt.Errorf("%w: unknown fragment kind %d", ErrDeserialization, kind)
	}
	return f, d.done()
}

func encodeNode(e *encoder, n *Node) error {
	e.byte(byte(n.Data.Kind))
	e.bytes(n.Lo)
	e.bytes(n.Hi)
	e.optPID(n.Next)
	e.optPID(n.MergingChild)
	if n.Merging {
		e.byte(1)
	} else {
		e.byte(0)
	}
	switch n.Data.Kind {
	case DataLeaf:
		e.buf = binary.AppendUvarint(e.buf, uint64(len(n.Data.Leaf)))
		for _, kv := range n.Data.Leaf {
			e.bytes(kv.Key)
			e.bytes(kv.Value)
		}
	case DataIndex:
		e.buf = binary.AppendUvarint(e.buf, uint64(len(n.Data.Index)))
		for _, ie := range n.Data.Index {
			e.bytes(ie.Sep)
			e.u64(uint64(ie.Child))
		}
	default:
		return fmt.Errorf("%w: unknown node data kind %d", ErrSerialization, n.Data.Kind)
	}
	return nil
}

func decodeNode(d *decoder) (Node, error) {
	var n Node
	kind, err := d.byte()
	if err != nil {
		return n, err
	}
	n.Data.Kind = DataKind(kind)
	if n.Lo, err = d.bytes(); err != nil {
		return n, err
	}
	if n.Hi, err = d.bytes(); err != nil {
		return n, err
	}
	if n.Next, err = d.optPID(); err != nil {
		return n, err
	}
	if n.MergingChild, err = d.optPID(); err != nil {
		return n, err
	}
	merging, err := d.byte()
	if err != nil {
		return n, err
	}
	n.Merging = merging == 1

	count, read := binary.Uvarint(d.buf[d.off:])
	if read <= 0 {
		return n, fmt.Errorf("%w: bad entry count", ErrDeserialization)
	}
	d.off += read
	if count > uint64(len(d.buf)) {
		return n, fmt.Errorf("%w: entry count %d exceeds buffer", ErrDeserialization, count)
	}
	switch n.Data.Kind {
	case DataLeaf:
		n.Data.Leaf = make([]KV, 0, count)
		for i := uint64(0); i < count; i++ {
			k, err := d.bytes()
			if err != nil {
				return n, err
			}
			v, err := d.bytes()
			if err != nil {
				return n, err
			}
			n.Data.Leaf = append(n.Data.Leaf, KV{Key: k, Value: v})
		}
	case DataIndex:
		n.Data.Index = make([]IndexEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			sep, err := d.bytes()
			if err != nil {
				return n, err
			}
			child, err := d.u64()
			if err != nil {
				return n, err
			}
			n.Data.Index = append(n.Data.Index, IndexEntry{Sep: sep, Child: PageID(child)})
		}
	default:
		return n, fmt.Errorf("%w: unknown node data kind %d", ErrDeserialization, kind)
	}
	return n, nil
}

// EncodeMeta serializes the tree directory, names in sorted order.
func EncodeMeta(m *Meta) []byte {
	e := &encoder{}
	names := m.Names()
	e.buf = binary.AppendUvarint(e.buf, uint64(len(names)))
	for _, name := range names {
		root, _ := m.Root(name)
		e.bytes(name)
		e.u64(uint64(root))
	}
	return e.buf
}

// DecodeMeta reverses EncodeMeta.
func DecodeMeta(data []byte) (*Meta, error) {
	d := &decoder{buf: data}
	count, read := binary.Uvarint(data)
	if read <= 0 {
		return nil, fmt.Errorf("%w: bad meta entry count", ErrDeserialization)
	}
	d.off = read
	m := NewMeta()
	for i := uint64(0); i < count; i++ {
		name, err := d.bytes()
		if err != nil {
			return nil, err
		}
		root, err := d.u64()
		if err != nil {
			return nil, err
		}
		m.roots[string(name)] = PageID(root)
	}
	return m, d.done()
}

// EncodeCounter serializes the persisted allocation ceiling.
func EncodeCounter(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// DecodeCounter reverses EncodeCounter.
func DecodeCounter(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: counter payload is %d bytes", ErrDeserialization, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}
