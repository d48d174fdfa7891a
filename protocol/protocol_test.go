/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewMessage(CmdFile).
		WithU8(AttrOpType, uint8(OpSet)).
		WithStr(AttrName, "/etc/shadow").
		WithI32(AttrPerm, int32(7))

	b, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != CmdFile {
		t.Fatalf("expected CmdFile, got %v", got.Command)
	}
	op, ok := got.U8(AttrOpType)
	if !ok || op != uint8(OpSet) {
		t.Fatalf("unexpected OP_TYPE: %v, %v", op, ok)
	}
	name, ok := got.Str(AttrName)
	if !ok || name != "/etc/shadow" {
		t.Fatalf("unexpected NAME: %v, %v", name, ok)
	}
	perm, ok := got.I32(AttrPerm)
	if !ok || perm != 7 {
		t.Fatalf("unexpected PERM: %v, %v", perm, ok)
	}
}

func TestWriteToReadFromFraming(t *testing.T) {
	msg := NewMessage(CmdProcess).
		WithU8(AttrOpType, uint8(OpNotify)).
		WithI32(AttrExecveID, 99).
		WithStr(AttrName, "/bin/sh\x1f-c\x1fid")

	var buf bytes.Buffer
	if err := WriteTo(&buf, msg); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrom(&buf)
	if err != nil {
		t.Fatal(err)
	}
	id, ok := got.I32(AttrExecveID)
	if !ok || id != 99 {
		t.Fatalf("unexpected EXECVE_ID: %v, %v", id, ok)
	}
}

func TestHandshakeRequiresExactlyOneVariant(t *testing.T) {
	if _, err := Encode(NewMessage(CmdHandshake)); err == nil {
		t.Fatal("expected error for HANDSHAKE with neither variant set")
	}
	both := NewMessage(CmdHandshake).WithU64(AttrSyscallTableHeader, 1).WithI32(AttrStatusCode, 0)
	if _, err := Encode(both); err == nil {
		t.Fatal("expected error for HANDSHAKE with both variants set")
	}
	statusOnly := NewMessage(CmdHandshake).WithI32(AttrStatusCode, 0)
	if _, err := Encode(statusOnly); err != nil {
		t.Fatalf("expected status-only HANDSHAKE to validate, got %v", err)
	}
	headerOnly := NewMessage(CmdHandshake).WithU64(AttrSyscallTableHeader, 42)
	if _, err := Encode(headerOnly); err != nil {
		t.Fatalf("expected header-only HANDSHAKE to validate, got %v", err)
	}
}

func TestMissingRequiredAttr(t *testing.T) {
	msg := NewMessage(CmdFile).WithStr(AttrName, "/tmp/x")
	_, err := Encode(msg)
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != MissingAttr {
		t.Fatalf("expected MissingAttr DecodeError, got %v", err)
	}
}

func TestUnknownAttrForCommand(t *testing.T) {
	msg := NewMessage(CmdFile).WithU8(AttrOpType, uint8(OpEnable)).WithI32(AttrExecveID, 1)
	_, err := Encode(msg)
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != TypeMismatch {
		t.Fatalf("expected TypeMismatch DecodeError, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatal("expected error decoding truncated header")
	}
}

func TestDecodeWrongFamilyVersion(t *testing.T) {
	b, err := Encode(NewMessage(CmdFile).WithU8(AttrOpType, uint8(OpEnable)))
	if err != nil {
		t.Fatal(err)
	}
	b[0] = FamilyVersion + 1
	if _, err := Decode(b); err == nil {
		t.Fatal("expected error decoding mismatched family version")
	}
}
