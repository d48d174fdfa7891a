/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package control

import (
	"context"
	"testing"
	"time"

	"github.com/freshdom/hackernel/execticket"
	"github.com/freshdom/hackernel/fileid"
	"github.com/freshdom/hackernel/permstore"
	"github.com/freshdom/hackernel/protocol"
)

type fakeServices struct{ capable map[uint32]bool }

func (f *fakeServices) HasCapability(portid uint32) bool { return f.capable[portid] }

type fakeResolver map[string]fileid.ID

func (f fakeResolver) FileID(path string) (fileid.ID, error) { return f[path], nil }

type recordingSender struct {
	sent []protocol.Message
}

func (s *recordingSender) Send(ctx context.Context, portid uint32, msg protocol.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func newPlane() (*Plane, *fakeServices, *recordingSender) {
	svc := &fakeServices{capable: map[uint32]bool{7: true}}
	sender := &recordingSender{}
	p := New(permstore.New(), execticket.New(), fakeResolver{"/etc/x": {Fsid: 1, Ino: 1}}, svc, sender, nil)
	return p, svc, sender
}

// a handshake from a peer lacking the admin capability is refused.
func TestHandshakeWithoutCapability(t *testing.T) {
	p, _, _ := newPlane()
	reply := p.Handshake(99)
	status, _ := reply.I32(protocol.AttrStatusCode)
	if status == 0 {
		t.Fatal("expected non-zero STATUS_CODE for non-admin peer")
	}
	if p.Active() {
		t.Fatal("expected no active session")
	}
}

func TestHandshakeWithCapability(t *testing.T) {
	p, _, _ := newPlane()
	reply := p.Handshake(7)
	status, _ := reply.I32(protocol.AttrStatusCode)
	if status != 0 {
		t.Fatalf("expected STATUS_CODE=0, got %d", status)
	}
	if !p.Active() || p.Portid() != 7 {
		t.Fatal("expected session 7 active")
	}
}

func TestSecondHandshakeReplacesFirst(t *testing.T) {
	p, svc, _ := newPlane()
	svc.capable[8] = true
	p.Handshake(7)
	p.Handshake(8)
	if p.Portid() != 8 {
		t.Fatalf("expected session replaced by portid 8, got %d", p.Portid())
	}
}

func TestDispatchFileSet(t *testing.T) {
	p, _, _ := newPlane()
	p.Handshake(7)

	msg := protocol.NewMessage(protocol.CmdFile).
		WithU8(protocol.AttrOpType, uint8(protocol.OpSet)).
		WithStr(protocol.AttrName, "/etc/x").
		WithI32(protocol.AttrPerm, int32(fileid.ReadDeny))

	if err := p.Dispatch(context.Background(), 7, msg); err != nil {
		t.Fatal(err)
	}
	if got := p.Store.Get(fileid.ID{Fsid: 1, Ino: 1}); got != fileid.ReadDeny {
		t.Fatalf("expected ReadDeny installed, got %v", got)
	}
}

func TestDispatchWrongSession(t *testing.T) {
	p, _, _ := newPlane()
	p.Handshake(7)
	msg := protocol.NewMessage(protocol.CmdFile).WithU8(protocol.AttrOpType, uint8(protocol.OpEnable))
	if err := p.Dispatch(context.Background(), 999, msg); err != ErrWrongSession {
		t.Fatalf("expected ErrWrongSession, got %v", err)
	}
}

func TestDispatchProcessVerdictResolvesTicket(t *testing.T) {
	p, _, _ := newPlane()
	p.Handshake(7)
	id := p.Tickets.Allocate()

	msg := protocol.NewMessage(protocol.CmdProcess).
		WithU8(protocol.AttrOpType, uint8(protocol.OpNotify)).
		WithI32(protocol.AttrExecveID, int32(id)).
		WithI32(protocol.AttrPerm, int32(fileid.ReadDeny))

	if err := p.Dispatch(context.Background(), 7, msg); err != nil {
		t.Fatal(err)
	}
	if got := p.Tickets.Wait(id, time.Now().Add(time.Second)); got != execticket.Deny {
		t.Fatalf("expected Deny verdict, got %v", got)
	}
}

func TestNotifyFileFireAndForget(t *testing.T) {
	p, _, sender := newPlane()
	p.Handshake(7)
	p.NotifyFile("/etc/x", fileid.ReadDeny)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one sent message, got %d", len(sender.sent))
	}
}

func TestEndSessionClearsOnlyMatchingPortid(t *testing.T) {
	p, _, _ := newPlane()
	p.Handshake(7)
	p.EndSession(999)
	if !p.Active() {
		t.Fatal("EndSession with mismatched portid must not clear the session")
	}
	p.EndSession(7)
	if p.Active() {
		t.Fatal("expected session cleared")
	}
}
