/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package enforce implements the per-syscall hook logic (component C4):
// for every intercepted file or execve operation it produces an
// allow/deny decision and at most one audit notification, consulting
// permstore for file operations and execticket for execve. Both
// decision procedures are pure with respect to their inputs; the only
// write-back into permstore is the inode-reuse cleanup after an
// allowed unlink or rename.
package enforce

import (
	"context"
	"time"

	"github.com/freshdom/hackernel/execticket"
	"github.com/freshdom/hackernel/fileid"
	"github.com/freshdom/hackernel/hklog"
	"github.com/freshdom/hackernel/permstore"
)

// FileOp identifies which permission bits a file-path hook consults.
type FileOp int

const (
	OpRead FileOp = iota
	OpWrite
	OpRdwr
	OpUnlink // unlink, unlinkat, rmdir
	OpCreate // mkdir, mknod, link (new end), symlink (new end)
)

// Services is the set of host collaborators the dispatcher calls out
// to; every method here is one of the external host services the
// kernel side of this system is expected to provide (path resolution,
// identity, capability checks). A real build backs this with the
// kernel glue; tests and the simhost demo back it with something
// simpler.
type Services interface {
	// ResolveAbsolute combines dirfd with a possibly-relative userPath
	// into an absolute kernel-space path.
	ResolveAbsolute(dirfd int, userPath string) (string, error)
	// ResolveReal follows path if it is a symlink. Returning path
	// unchanged on any error is the caller's responsibility, not this
	// method's.
	ResolveReal(path string) (string, error)
	// FileID resolves path to its (fsid, ino) pair, or fileid.Invalid's
	// matching sentinel ID on failure.
	FileID(path string) (fileid.ID, error)
	// ParentOf returns path's lexical parent directory.
	ParentOf(path string) string
	// IsTrustedAdmin reports whether pid is the daemon's own process or
	// a descendant of it, exempt from enforcement entirely.
	IsTrustedAdmin(pid int) bool
	// ReadUserArgv copies and 0x1F-joins argv from the calling
	// process's memory, truncating at maxLen bytes.
	ReadUserArgv(pid int, maxLen int) (string, error)
}

// SessionGate reports whether a control-plane session is active. No
// session (portid == 0) means every hook allows immediately.
type SessionGate interface {
	Active() bool
}

// Notifier delivers the at-most-one audit or execve-verdict-request
// event a decision produces. Implementations must not block the
// calling hook; the control plane's implementation is fire-and-forget.
type Notifier interface {
	NotifyFile(path string, marked fileid.Mask)
	NotifyProcess(execveID uint32, program, argv string)
}

// MaxArgStrlen bounds the joined argv string read for an execve
// notification, mirroring the kernel's own MAX_ARG_STRLEN limit on a
// single argument.
const MaxArgStrlen = 128 * 1024

// DefaultExecveTimeout is the deadline enforced on an execve ticket
// before the dispatcher fails open.
const DefaultExecveTimeout = 100 * time.Millisecond

// Dispatcher is the enforcement core. The zero value is not usable;
// construct with New.
type Dispatcher struct {
	Store   *permstore.Store
	Tickets *execticket.Table
	Svc     Services
	Gate    SessionGate
	Notify  Notifier
	Lg      *hklog.Logger

	// ExecveTimeout overrides DefaultExecveTimeout when non-zero.
	ExecveTimeout time.Duration
}

// New builds a Dispatcher wired to its collaborators.
func New(store *permstore.Store, tickets *execticket.Table, svc Services, gate SessionGate, notify Notifier, lg *hklog.Logger) *Dispatcher {
	return &Dispatcher{Store: store, Tickets: tickets, Svc: svc, Gate: gate, Notify: notify, Lg: lg}
}

// Decision is the hook's verdict: Allow or not, and which bit (if any)
// drove the decision, for logging/notification.
type Decision struct {
	Allow  bool
	Marked fileid.Mask
}

func allow() Decision { return Decision{Allow: true} }

func denyBit(bit fileid.Mask) Decision  { return Decision{Allow: false, Marked: bit} }
func auditBit(bit fileid.Mask) Decision { return Decision{Allow: true, Marked: bit} }

func masksFor(op FileOp) (deny, audit fileid.Mask) {
	switch op {
	case OpRead:
		return fileid.ReadDeny, fileid.ReadAudit
	case OpWrite:
		return fileid.WriteDeny, fileid.WriteAudit
	case OpRdwr:
		return fileid.RdwrDeny, fileid.RdwrAudit
	case OpUnlink:
		return fileid.UnlinkDeny, fileid.UnlinkAudit
	case OpCreate:
		return fileid.WriteDeny, fileid.WriteAudit
	default:
		return 0, 0
	}
}

// checkPath resolves path (already absolute) to a FileId and decides
// against op's bits. It does not follow symlinks or do any path
// composition — the hook methods compose the absolute path before
// calling in, and FileAccess and Unlink also follow symlinks.
func (d *Dispatcher) checkPath(path string, op FileOp) Decision {
	id, err := d.Svc.FileID(path)
	if err != nil || !id.Valid() {
		return allow()
	}
	perm := d.Store.Get(id)
	deny, audit := masksFor(op)
	return d.decide(perm, deny, audit)
}

func (d *Dispatcher) decide(perm, deny, audit fileid.Mask) Decision {
	if perm.Any(deny) {
		return denyBit(perm & deny)
	}
	if perm.Any(audit) {
		return auditBit(perm & audit)
	}
	return allow()
}

func (d *Dispatcher) emit(path string, dec Decision) {
	if dec.Marked == 0 || d.Notify == nil {
		return
	}
	d.Notify.NotifyFile(path, dec.Marked)
}

// gated reports whether enforcement should be bypassed entirely: no
// active control-plane session, or the caller is the trusted
// administrator. Either allows immediately, bypassing the permission
// store and ticket table.
func (d *Dispatcher) gated(pid int) bool {
	if d.Gate == nil || !d.Gate.Active() {
		return true
	}
	return d.Svc.IsTrustedAdmin(pid)
}

// FileAccess is the decision procedure for open(O_RDONLY/O_WRONLY/O_RDWR)
// against a path that already exists.
func (d *Dispatcher) FileAccess(pid, dirfd int, userPath string, op FileOp) Decision {
	if d.gated(pid) {
		return allow()
	}
	path, err := d.Svc.ResolveAbsolute(dirfd, userPath)
	if err != nil {
		return allow()
	}
	if real, err := d.Svc.ResolveReal(path); err == nil {
		path = real
	}
	dec := d.checkPath(path, op)
	d.emit(path, dec)
	return dec
}

// Create is open(O_CREAT) on a path that does not yet exist, or
// mkdir/mknod/link/symlink creating a new directory entry: both
// reduce to a WRITE check against the parent directory. For O_CREAT
// the normal read/write check against the (absent) target runs first,
// and either denial wins.
func (d *Dispatcher) Create(pid, dirfd int, userPath string, targetOp FileOp) Decision {
	if d.gated(pid) {
		return allow()
	}
	path, err := d.Svc.ResolveAbsolute(dirfd, userPath)
	if err != nil {
		return allow()
	}

	if targetOp == OpRead || targetOp == OpWrite || targetOp == OpRdwr {
		if dec := d.checkPath(path, targetOp); !dec.Allow {
			d.emit(path, dec)
			return dec
		}
	}

	parent := d.Svc.ParentOf(path)
	dec := d.checkPath(parent, OpCreate)
	d.emit(parent, dec)
	return dec
}

// Unlink is the decision procedure for unlink/unlinkat/rmdir: an
// UNLINK check on the target, then (only if that allows) a WRITE check
// on its parent. On a final allow, any stored entry for the target's
// FileId is removed so a future inode reuse starts clean — together
// with the same cleanup of the source in Rename, the only write path
// into permstore from enforcement.
func (d *Dispatcher) Unlink(pid, dirfd int, userPath string) Decision {
	if d.gated(pid) {
		return allow()
	}
	path, err := d.Svc.ResolveAbsolute(dirfd, userPath)
	if err != nil {
		return allow()
	}
	if real, err := d.Svc.ResolveReal(path); err == nil {
		path = real
	}

	id, idErr := d.Svc.FileID(path)
	dec := d.checkPath(path, OpUnlink)
	if dec.Allow {
		parent := d.Svc.ParentOf(path)
		if pdec := d.checkPath(parent, OpWrite); !pdec.Allow {
			d.emit(parent, pdec)
			return pdec
		}
	}
	d.emit(path, dec)
	if dec.Allow && idErr == nil && id.Valid() {
		d.Store.Remove(id)
	}
	return dec
}

// Rename runs four checks in order, short-circuiting on the first
// denial: UNLINK on the source, WRITE on the source's parent, UNLINK
// on the destination, WRITE on the destination's parent.
func (d *Dispatcher) Rename(pid, oldDirfd int, oldPath string, newDirfd int, newPath string) Decision {
	if d.gated(pid) {
		return allow()
	}
	src, err := d.Svc.ResolveAbsolute(oldDirfd, oldPath)
	if err != nil {
		return allow()
	}
	dst, err := d.Svc.ResolveAbsolute(newDirfd, newPath)
	if err != nil {
		return allow()
	}

	srcID, srcIDErr := d.Svc.FileID(src)

	steps := []struct {
		path string
		op   FileOp
	}{
		{src, OpUnlink},
		{d.Svc.ParentOf(src), OpWrite},
		{dst, OpUnlink},
		{d.Svc.ParentOf(dst), OpWrite},
	}
	for _, s := range steps {
		dec := d.checkPath(s.path, s.op)
		if !dec.Allow {
			d.emit(s.path, dec)
			return dec
		}
	}
	if srcIDErr == nil && srcID.Valid() {
		d.Store.Remove(srcID)
	}
	return allow()
}

// Execve is the ticketed execve decision procedure: allocate a ticket,
// emit a PROCESS NOTIFY carrying it, and block on the daemon's reply up
// to the configured deadline. Deny is the only verdict that denies;
// Allow, Invalid (timeout) and an unknown ticket id all allow — a
// slow or crashed daemon must never be able to stop a process from
// running.
func (d *Dispatcher) Execve(ctx context.Context, pid int, programPath string) Decision {
	if d.gated(pid) {
		return allow()
	}
	path, err := d.Svc.ResolveReal(programPath)
	if err != nil {
		path = programPath
	}
	argv, err := d.Svc.ReadUserArgv(pid, MaxArgStrlen)
	if err != nil {
		argv = ""
	}

	id := d.Tickets.Allocate()
	if d.Notify != nil {
		d.Notify.NotifyProcess(id, path, argv)
	}

	timeout := d.ExecveTimeout
	if timeout <= 0 {
		timeout = DefaultExecveTimeout
	}
	verdict := d.Tickets.Wait(id, time.Now().Add(timeout))
	if verdict == execticket.Deny {
		if d.Lg != nil {
			d.Lg.Info("execve denied", hklog.KV("path", path), hklog.KV("execve_id", id))
		}
		return Decision{Allow: false}
	}
	return allow()
}
