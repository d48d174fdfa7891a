/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package control owns the kernel<->daemon message channel (component
// C5): it runs the handshake, holds the single active session, routes
// inbound FILE/PROCESS commands to permstore and execticket, and
// delivers outbound NOTIFY events. A session is identified by its
// portid, the way this codebase's ingest muxer identifies a connection
// by address; a uuid.UUID is stamped on each session purely for log
// correlation, since portid alone is ambiguous across restarts.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/freshdom/hackernel/execticket"
	"github.com/freshdom/hackernel/fileid"
	"github.com/freshdom/hackernel/hklog"
	"github.com/freshdom/hackernel/permstore"
	"github.com/freshdom/hackernel/protocol"
)

var (
	ErrNoCapability  = errors.New("control: peer lacks administrator capability")
	ErrWrongSession  = errors.New("control: message from inactive session")
	ErrInvalidNotify = errors.New("control: NOTIFY is not a valid inbound op")
)

// Services is the control plane's host collaborator: the capability
// check that gates a handshake.
type Services interface {
	HasCapability(portid uint32) bool
}

// Resolver is the permstore path resolver the control plane uses to
// turn a SET command's NAME into a fileid.ID.
type Resolver = permstore.Resolver

// Sender delivers one outbound frame to portid. Implementations must
// not block the caller; Plane already runs sends on a bounded pool of
// background goroutines, so Sender itself only needs to be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, portid uint32, msg protocol.Message) error
}

// Plane is the control plane. The zero value is not usable; construct
// with New.
type Plane struct {
	mu        sync.Mutex // serializes portid/session transitions
	portid    uint32     // atomic snapshot, 0 == no session
	sessionID uuid.UUID

	fileProtection atomic.Bool
	execProtection atomic.Bool

	Store    *permstore.Store
	Tickets  *execticket.Table
	Resolver Resolver
	Svc      Services
	Sender   Sender
	Lg       *hklog.Logger

	sendGroup errgroup.Group
}

// New builds a Plane with no active session and both protection flags
// off; ENABLE commands turn them on.
func New(store *permstore.Store, tickets *execticket.Table, resolver Resolver, svc Services, sender Sender, lg *hklog.Logger) *Plane {
	p := &Plane{Store: store, Tickets: tickets, Resolver: resolver, Svc: svc, Sender: sender, Lg: lg}
	p.sendGroup.SetLimit(8)
	return p
}

// Active reports whether a session is currently established. It
// implements enforce.SessionGate.
func (p *Plane) Active() bool {
	return atomic.LoadUint32(&p.portid) != 0
}

// Portid returns the active session's portid, or 0 if none.
func (p *Plane) Portid() uint32 {
	return atomic.LoadUint32(&p.portid)
}

// FileProtectionEnabled and ExecProtectionEnabled report the state last
// set by FILE/PROCESS ENABLE and DISABLE (both reset when the session
// ends). They are distinct from Active: a session can be up with one
// family enabled and the other not. enforce.Dispatcher does not consult
// them; its hooks are gated only by Active and the trusted-admin check.
func (p *Plane) FileProtectionEnabled() bool { return p.fileProtection.Load() }
func (p *Plane) ExecProtectionEnabled() bool { return p.execProtection.Load() }

// Handshake processes an inbound HANDSHAKE from portid. Only one
// session may be active; a second successful handshake replaces the
// first. On success portid becomes the active session and the reply
// carries STATUS_CODE=0; on failure the session is left unchanged (or
// unset) and the reply carries a non-zero STATUS_CODE.
func (p *Plane) Handshake(portid uint32) protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Svc == nil || !p.Svc.HasCapability(portid) {
		if p.Lg != nil {
			p.Lg.Warn("handshake rejected", hklog.KV("portid", portid))
		}
		return protocol.NewMessage(protocol.CmdHandshake).WithI32(protocol.AttrStatusCode, -1)
	}

	atomic.StoreUint32(&p.portid, portid)
	p.sessionID = uuid.New()
	if p.Lg != nil {
		p.Lg.Info("handshake accepted", hklog.KV("portid", portid), hklog.KV("session", p.sessionID))
	}
	return protocol.NewMessage(protocol.CmdHandshake).WithI32(protocol.AttrStatusCode, 0)
}

// EndSession clears the active session if it is currently portid. Used
// when the underlying transport connection drops, so a dead peer does
// not keep the daemon believing a session covers it (which would
// starve every hook behind an already-gone handshake).
func (p *Plane) EndSession(portid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if atomic.LoadUint32(&p.portid) != portid {
		return
	}
	atomic.StoreUint32(&p.portid, 0)
	p.fileProtection.Store(false)
	p.execProtection.Store(false)
	if p.Lg != nil {
		p.Lg.Info("session ended", hklog.KV("portid", portid))
	}
}

// Dispatch routes one inbound FILE or PROCESS message from portid. It
// returns ErrWrongSession if portid does not match the active session;
// callers should drop the message's effect (but may still need to
// reply at the transport level) in that case.
func (p *Plane) Dispatch(ctx context.Context, portid uint32, msg protocol.Message) error {
	if atomic.LoadUint32(&p.portid) != portid {
		return ErrWrongSession
	}
	switch msg.Command {
	case protocol.CmdFile:
		return p.dispatchFile(msg)
	case protocol.CmdProcess:
		return p.dispatchProcess(msg)
	default:
		return errors.New("control: unexpected command")
	}
}

func (p *Plane) dispatchFile(msg protocol.Message) error {
	opv, ok := msg.U8(protocol.AttrOpType)
	if !ok {
		return errors.New("control: FILE missing OP_TYPE")
	}
	switch protocol.OpType(opv) {
	case protocol.OpEnable:
		p.fileProtection.Store(true)
		p.Store.Clear()
	case protocol.OpDisable:
		p.fileProtection.Store(false)
		p.Store.Clear()
	case protocol.OpSet:
		name, ok := msg.Str(protocol.AttrName)
		if !ok {
			return errors.New("control: FILE SET missing NAME")
		}
		permv, ok := msg.I32(protocol.AttrPerm)
		if !ok {
			return errors.New("control: FILE SET missing PERM")
		}
		return p.Store.SetPath(p.Resolver, name, fileid.Mask(permv))
	case protocol.OpNotify:
		return ErrInvalidNotify
	default:
		return errors.New("control: unknown FILE op")
	}
	return nil
}

func (p *Plane) dispatchProcess(msg protocol.Message) error {
	opv, ok := msg.U8(protocol.AttrOpType)
	if !ok {
		return errors.New("control: PROCESS missing OP_TYPE")
	}
	switch protocol.OpType(opv) {
	case protocol.OpEnable:
		p.execProtection.Store(true)
		return nil
	case protocol.OpDisable:
		p.execProtection.Store(false)
		return nil
	}

	id, ok := msg.I32(protocol.AttrExecveID)
	if !ok {
		return errors.New("control: PROCESS verdict missing EXECVE_ID")
	}
	permv, ok := msg.I32(protocol.AttrPerm)
	if !ok {
		return errors.New("control: PROCESS verdict missing PERM")
	}
	verdict := execticket.Deny
	if fileid.Mask(permv) == 0 {
		verdict = execticket.Allow
	}
	p.Tickets.Resolve(uint32(id), verdict)
	return nil
}

// NotifyFile implements enforce.Notifier: it builds a FILE NOTIFY
// message and hands it to Sender on a background goroutine, never
// blocking the calling hook.
func (p *Plane) NotifyFile(path string, marked fileid.Mask) {
	portid := atomic.LoadUint32(&p.portid)
	if portid == 0 {
		return
	}
	msg := protocol.NewMessage(protocol.CmdFile).
		WithU8(protocol.AttrOpType, uint8(protocol.OpNotify)).
		WithStr(protocol.AttrName, path).
		WithI32(protocol.AttrPerm, int32(marked))
	p.fireAndForget(portid, msg)
}

// NotifyProcess implements enforce.Notifier: it builds a PROCESS
// NOTIFY message carrying the execve ticket id and program/argv.
func (p *Plane) NotifyProcess(execveID uint32, program, argv string) {
	portid := atomic.LoadUint32(&p.portid)
	if portid == 0 {
		return
	}
	name := program
	if argv != "" {
		name = program + "\x1f" + argv
	}
	msg := protocol.NewMessage(protocol.CmdProcess).
		WithU8(protocol.AttrOpType, uint8(protocol.OpNotify)).
		WithI32(protocol.AttrExecveID, int32(execveID)).
		WithStr(protocol.AttrName, name)
	p.fireAndForget(portid, msg)
}

func (p *Plane) fireAndForget(portid uint32, msg protocol.Message) {
	if p.Sender == nil {
		return
	}
	started := p.sendGroup.TryGo(func() error {
		if err := p.Sender.Send(context.Background(), portid, msg); err != nil {
			if p.Lg != nil {
				p.Lg.Warn("notify send failed", hklog.KV("portid", portid), hklog.KVErr(err))
			}
		}
		return nil
	})
	if !started && p.Lg != nil {
		p.Lg.Warn("notify dropped: send pool full", hklog.KV("portid", portid))
	}
}

// Close waits for any in-flight fire-and-forget sends to finish. It
// does not itself clear the active session.
func (p *Plane) Close() error {
	return p.sendGroup.Wait()
}
