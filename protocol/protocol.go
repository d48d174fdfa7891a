/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package protocol implements the framed, typed-attribute wire messages
// exchanged between the kernel-resident hooks and the user-space daemon
// (component C3). A Message carries a family version, a command, and a
// set of TLV-encoded attributes; the codec validates every attribute
// against a fixed per-command schema on both encode and decode, the same
// way this codebase's other length-prefixed wire structures validate
// their payload before trusting it (see, for example, the explicit
// validate() step a sibling wire type runs after decoding its compression
// byte — the same write-size-header/write-payload, read-size-header/
// read-payload shape is reused here for WriteTo/ReadFrom).
//
// Framing below the TLV layer (the actual generic-netlink-like transport)
// is a host-provided service; WriteTo/ReadFrom here add only the minimal
// length prefix needed to delimit one Message inside whatever byte stream
// that transport hands the codec.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FamilyVersion is the only wire-compatible version this codec speaks.
const FamilyVersion uint8 = 1

// FamilyName identifies the generic-netlink family on the wire.
const FamilyName = "HACKERNEL"

// Command identifies the message's command family.
type Command uint8

const (
	CmdHandshake Command = 1
	CmdFile      Command = 2
	CmdProcess   Command = 3
)

func (c Command) String() string {
	switch c {
	case CmdHandshake:
		return "HANDSHAKE"
	case CmdFile:
		return "FILE"
	case CmdProcess:
		return "PROCESS"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// AttrID identifies a typed attribute within a Message.
type AttrID uint8

const (
	AttrStatusCode         AttrID = 1
	AttrOpType             AttrID = 2
	AttrName               AttrID = 3
	AttrPerm               AttrID = 4
	AttrExecveID           AttrID = 5
	AttrSyscallTableHeader AttrID = 6
)

// OpType is the value carried by AttrOpType on FILE and PROCESS messages.
type OpType uint8

const (
	OpEnable  OpType = 1
	OpDisable OpType = 2
	OpSet     OpType = 3
	OpNotify  OpType = 4
)

// attrKind is the wire type tag for an attribute value.
type attrKind uint8

const (
	kindI32 attrKind = 1
	kindU8  attrKind = 2
	kindStr attrKind = 3
	kindU64 attrKind = 4
)

const (
	maxAttrs     = 16
	maxAttrValue = 4096 // generous bound on NAME length, sanity check only
)

// DecodeErrKind classifies why a decode failed.
type DecodeErrKind int

const (
	UnknownCmd DecodeErrKind = iota
	MissingAttr
	TypeMismatch
	Truncated
)

func (k DecodeErrKind) String() string {
	switch k {
	case UnknownCmd:
		return "unknown command"
	case MissingAttr:
		return "missing required attribute"
	case TypeMismatch:
		return "attribute type mismatch"
	case Truncated:
		return "truncated message"
	default:
		return "decode error"
	}
}

// DecodeError is returned by Decode/ReadFrom and by Encode/WriteTo when a
// Message does not match its command's attribute schema.
type DecodeError struct {
	Kind   DecodeErrKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "protocol: " + e.Kind.String()
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Detail)
}

var ErrInvalidBuffer = errors.New("protocol: invalid buffer")

// Message is one framed control-plane message: a command plus its
// recognized attributes.
type Message struct {
	Command Command
	Attrs   map[AttrID]interface{}
}

// NewMessage returns an empty Message for cmd.
func NewMessage(cmd Command) Message {
	return Message{Command: cmd, Attrs: make(map[AttrID]interface{})}
}

func (m Message) WithI32(id AttrID, v int32) Message  { m.Attrs[id] = v; return m }
func (m Message) WithU8(id AttrID, v uint8) Message    { m.Attrs[id] = v; return m }
func (m Message) WithStr(id AttrID, v string) Message  { m.Attrs[id] = v; return m }
func (m Message) WithU64(id AttrID, v uint64) Message  { m.Attrs[id] = v; return m }

func (m Message) I32(id AttrID) (int32, bool)   { v, ok := m.Attrs[id].(int32); return v, ok }
func (m Message) U8(id AttrID) (uint8, bool)    { v, ok := m.Attrs[id].(uint8); return v, ok }
func (m Message) Str(id AttrID) (string, bool)  { v, ok := m.Attrs[id].(string); return v, ok }
func (m Message) U64(id AttrID) (uint64, bool)  { v, ok := m.Attrs[id].(uint64); return v, ok }

type attrSpec struct {
	id       AttrID
	kind     attrKind
	required bool
}

// schema returns the attribute policy for cmd, or nil if cmd is unknown.
//
// HANDSHAKE is special: it carries exactly one of SYSCALL_TABLE_HEADER
// (the daemon's request to the kernel) or STATUS_CODE (the kernel's
// reply), never both and never neither — validated separately in
// validate() rather than through the required/optional table the other
// two commands use.
func schema(cmd Command) []attrSpec {
	switch cmd {
	case CmdHandshake:
		return []attrSpec{
			{AttrSyscallTableHeader, kindU64, false},
			{AttrStatusCode, kindI32, false},
		}
	case CmdFile:
		return []attrSpec{
			{AttrOpType, kindU8, true},
			{AttrName, kindStr, false},
			{AttrPerm, kindI32, false},
		}
	case CmdProcess:
		return []attrSpec{
			{AttrOpType, kindU8, true},
			{AttrExecveID, kindI32, true},
			{AttrName, kindStr, false},
			{AttrPerm, kindI32, false},
		}
	default:
		return nil
	}
}

func attrKindOf(v interface{}) (attrKind, bool) {
	switch v.(type) {
	case int32:
		return kindI32, true
	case uint8:
		return kindU8, true
	case string:
		return kindStr, true
	case uint64:
		return kindU64, true
	default:
		return 0, false
	}
}

// validate checks m's attributes against its command's schema: every
// present attribute must be recognized for the command and carry the
// right wire type, and every required attribute must be present.
func validate(m Message) error {
	spec := schema(m.Command)
	if spec == nil {
		return &DecodeError{Kind: UnknownCmd, Detail: m.Command.String()}
	}

	allowed := make(map[AttrID]attrKind, len(spec))
	for _, s := range spec {
		allowed[s.id] = s.kind
	}
	for id, v := range m.Attrs {
		wantKind, ok := allowed[id]
		if !ok {
			return &DecodeError{Kind: TypeMismatch, Detail: fmt.Sprintf("attribute %d not valid for %s", id, m.Command)}
		}
		gotKind, ok := attrKindOf(v)
		if !ok || gotKind != wantKind {
			return &DecodeError{Kind: TypeMismatch, Detail: fmt.Sprintf("attribute %d on %s", id, m.Command)}
		}
	}

	if m.Command == CmdHandshake {
		_, hasHdr := m.Attrs[AttrSyscallTableHeader]
		_, hasStatus := m.Attrs[AttrStatusCode]
		if hasHdr == hasStatus {
			return &DecodeError{Kind: MissingAttr, Detail: "HANDSHAKE needs exactly one of SYSCALL_TABLE_HEADER, STATUS_CODE"}
		}
		return nil
	}

	for _, s := range spec {
		if !s.required {
			continue
		}
		if _, ok := m.Attrs[s.id]; !ok {
			return &DecodeError{Kind: MissingAttr, Detail: fmt.Sprintf("attribute %d required on %s", s.id, m.Command)}
		}
	}
	return nil
}

// Encode validates m and serializes it to a TLV byte slice (no outer
// length prefix — see WriteTo for the framed form).
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	buf := []byte{FamilyVersion, uint8(m.Command)}
	if len(m.Attrs) > maxAttrs {
		return nil, &DecodeError{Kind: TypeMismatch, Detail: "too many attributes"}
	}
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(m.Attrs)))
	buf = append(buf, countBuf[:]...)

	for id, v := range m.Attrs {
		kind, _ := attrKindOf(v)
		var val []byte
		switch tv := v.(type) {
		case int32:
			val = make([]byte, 4)
			binary.LittleEndian.PutUint32(val, uint32(tv))
		case uint8:
			val = []byte{tv}
		case uint64:
			val = make([]byte, 8)
			binary.LittleEndian.PutUint64(val, tv)
		case string:
			val = []byte(tv)
		}
		if len(val) > maxAttrValue {
			return nil, &DecodeError{Kind: TypeMismatch, Detail: "attribute value too large"}
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(val)))
		buf = append(buf, uint8(id), uint8(kind))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, val...)
	}
	return buf, nil
}

// Decode parses a TLV byte slice produced by Encode.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return Message{}, &DecodeError{Kind: Truncated, Detail: "header"}
	}
	version := buf[0]
	if version != FamilyVersion {
		return Message{}, &DecodeError{Kind: TypeMismatch, Detail: "family version"}
	}
	cmd := Command(buf[1])
	count := binary.LittleEndian.Uint16(buf[2:4])
	off := 4

	m := NewMessage(cmd)
	for i := 0; i < int(count); i++ {
		if off+4 > len(buf) {
			return Message{}, &DecodeError{Kind: Truncated, Detail: "attribute header"}
		}
		id := AttrID(buf[off])
		kind := attrKind(buf[off+1])
		vlen := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		off += 4
		if off+vlen > len(buf) {
			return Message{}, &DecodeError{Kind: Truncated, Detail: "attribute value"}
		}
		val := buf[off : off+vlen]
		off += vlen

		switch kind {
		case kindI32:
			if vlen != 4 {
				return Message{}, &DecodeError{Kind: TypeMismatch, Detail: "i32 length"}
			}
			m.Attrs[id] = int32(binary.LittleEndian.Uint32(val))
		case kindU8:
			if vlen != 1 {
				return Message{}, &DecodeError{Kind: TypeMismatch, Detail: "u8 length"}
			}
			m.Attrs[id] = val[0]
		case kindU64:
			if vlen != 8 {
				return Message{}, &DecodeError{Kind: TypeMismatch, Detail: "u64 length"}
			}
			m.Attrs[id] = binary.LittleEndian.Uint64(val)
		case kindStr:
			m.Attrs[id] = string(val)
		default:
			return Message{}, &DecodeError{Kind: TypeMismatch, Detail: "unknown attr kind"}
		}
	}

	if err := validate(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// WriteTo frames m with a 4-byte little-endian length prefix and writes it
// to w, the same write-size-then-write-payload shape used elsewhere in
// this codebase's other length-prefixed wire writers.
func WriteTo(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrom reads one length-prefixed frame from r and decodes it.
func ReadFrom(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > 1<<20 {
		return Message{}, ErrInvalidBuffer
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Decode(body)
}
