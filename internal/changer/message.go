// Package changer speaks the media changer daemon protocol used to move
// cartridges between library slots and drives.
package changer

import (
	"fmt"
	"io"
)

const (
	magic = 0x544d4331 // "TMC1"

	headerSize = 10
	// MaxBodySize bounds any message body.
	MaxBodySize = 4096
)

// MsgType identifies the body that follows a header.
type MsgType uint16

const (
	MsgMount    MsgType = 1
	MsgDismount MsgType = 2
	MsgReply    MsgType = 3
	MsgExport   MsgType = 4
	MsgImport   MsgType = 5
)

// Header precedes every message on the wire.
type Header struct {
	Type    MsgType
	BodyLen uint32
}

// MountRequest asks the changer to load a cartridge into a drive.
type MountRequest struct {
	DriveOrdinal uint16
	VID          string
	ReadOnly     bool
}

// DismountRequest asks the changer to return a cartridge to its slot.
type DismountRequest struct {
	DriveOrdinal uint16
	VID          string
	Force        bool
}

// ExportRequest asks the changer to move a cartridge to the export slot.
type ExportRequest struct {
	VID string
}

// ImportRequest asks the changer to take a cartridge from the import slot.
type ImportRequest struct {
	VID string
}

// Reply reports the outcome of a request. Status zero means success.
type Reply struct {
	Status  uint32
	Message string
}

func (h Header) encode(w *writer) {
	w.uint32(magic)
	w.uint16(uint16(h.Type))
	w.uint32(h.BodyLen)
}

func decodeHeader(buf []byte) (Header, error) {
	r := newReader(buf)
	m := r.uint32()
	t := r.uint16()
	n := r.uint32()
	if r.err != nil {
		return Header{}, r.err
	}
	if m != magic {
		return Header{}, fmt.Errorf("changer: bad magic %#x", m)
	}
	if n > MaxBodySize {
		return Header{}, fmt.Errorf("changer: body of %d bytes exceeds %d", n, MaxBodySize)
	}
	return Header{Type: MsgType(t), BodyLen: n}, nil
}

func (m *MountRequest) encode(w *writer) {
	w.uint16(m.DriveOrdinal)
	w.string8(m.VID)
	w.bool(m.ReadOnly)
}

func (m *MountRequest) decode(r *reader) {
	m.DriveOrdinal = r.uint16()
	m.VID = r.string8()
	m.ReadOnly = r.bool()
}

func (m *DismountRequest) encode(w *writer) {
	w.uint16(m.DriveOrdinal)
	w.string8(m.VID)
	w.bool(m.Force)
}

func (m *DismountRequest) decode(r *reader) {
	m.DriveOrdinal = r.uint16()
	m.VID = r.string8()
	m.Force = r.bool()
}

func (m *ExportRequest) encode(w *writer) { w.string8(m.VID) }
func (m *ExportRequest) decode(r *reader) { m.VID = r.string8() }
func (m *ImportRequest) encode(w *writer) { w.string8(m.VID) }
func (m *ImportRequest) decode(r *reader) { m.VID = r.string8() }

func (m *Reply) encode(w *writer) {
	w.uint32(m.Status)
	w.string16(m.Message)
}

func (m *Reply) decode(r *reader) {
	m.Status = r.uint32()
	m.Message = r.string16()
}

// Message is any request or reply body.
type Message interface {
	msgType() MsgType
	encode(w *writer)
	decode(r *reader)
}

func (*MountRequest) msgType() MsgType    { return MsgMount }
func (*DismountRequest) msgType() MsgType { return MsgDismount }
func (*ExportRequest) msgType() MsgType   { return MsgExport }
func (*ImportRequest) msgType() MsgType   { return MsgImport }
func (*Reply) msgType() MsgType           { return MsgReply }

// Marshal encodes msg with its header.
func Marshal(msg Message) ([]byte, error) {
	body := newWriter(make([]byte, MaxBodySize))
	msg.encode(body)
	if body.err != nil {
		return nil, body.err
	}
	out := newWriter(make([]byte, headerSize+body.off))
	Header{Type: msg.msgType(), BodyLen: uint32(body.off)}.encode(out)
	if b := out.reserve(body.off); b != nil {
		copy(b, body.bytes())
	}
	if out.err != nil {
		return nil, out.err
	}
	return out.bytes(), nil
}

// Unmarshal decodes one complete message.
func Unmarshal(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return nil, ErrTruncated
	}
	h, err := decodeHeader(buf[:headerSize])
	if err != nil {
		return nil, err
	}
	if uint32(len(buf)-headerSize) < h.BodyLen {
		return nil, ErrTruncated
	}
	return decodeBody(h, buf[headerSize:headerSize+int(h.BodyLen)])
}

func decodeBody(h Header, body []byte) (Message, error) {
	var msg Message
	switch h.Type {
	case MsgMount:
		msg = &MountRequest{}
	case MsgDismount:
		msg = &DismountRequest{}
	case MsgExport:
		msg = &ExportRequest{}
	case MsgImport:
		msg = &ImportRequest{}
	case MsgReply:
		msg = &Reply{}
	default:
		return nil, fmt.Errorf("changer: unknown message type %d", h.Type)
	}
	r := newReader(body)
	msg.decode(r)
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("changer: %d trailing bytes after %T", r.remaining(), msg)
	}
	return msg, nil
}

// WriteMessage writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	buf, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := decodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return decodeBody(h, body)
}
