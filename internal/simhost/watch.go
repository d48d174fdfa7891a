/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package simhost

import (
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/freshdom/hackernel/enforce"
	"github.com/freshdom/hackernel/hklog"
	"github.com/freshdom/hackernel/permstore"
)

// Watcher watches the protected directories with fsnotify. On a remove
// or rename event it stats the event's path after the fact and removes
// the permstore entry for whatever FileId is found there; when nothing
// exists at that path any more (the usual case once a file has been
// unlinked or renamed away) no entry is removed, so this does not
// reproduce the Remove call enforce.Dispatcher.Unlink makes for the
// original inode.
//
// When Dispatch is set, Watcher also drives every event it sees through
// the real Dispatcher and logs the resulting verdict. fsnotify only
// observes an operation after the kernel has already completed it, so
// this can never block or reverse anything — it's an audit trail for
// running this enforcement core against real local file activity
// without a kernel module, not a substitute for true interception.
type Watcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	host    *Host
	store   *permstore.Store
	lg      *hklog.Logger
	dirs    map[string]bool

	Dispatch *enforce.Dispatcher
}

// NewWatcher opens an fsnotify watcher reporting removals under dirs
// against store, resolving each event's FileId through host.
func NewWatcher(host *Host, store *permstore.Store, lg *hklog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: w, host: host, store: store, lg: lg, dirs: make(map[string]bool)}, nil
}

// Add starts watching dir, if not already watched.
func (w *Watcher) Add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

// Run drains events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.lg != nil {
				w.lg.Warn("watch error", hklog.KVErr(err))
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.audit(ev)

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	id, err := w.host.FileID(ev.Name)
	if err != nil || !id.Valid() {
		// the path is already gone; nothing stat-able to key a removal on
		return
	}
	w.store.Remove(id)
	if w.lg != nil {
		w.lg.Debug("stale permission entry cleared", hklog.KV("path", ev.Name), hklog.KV("fileid", id.String()))
	}
}

// audit drives ev through the real Dispatcher, after the fact, purely to
// log what verdict the enforcement core would have reached. fsnotify
// never tells us which pid performed the operation, so this reports as
// an untrusted, unidentified actor (pid 0) rather than the watcher's
// own trusted pid — otherwise every call would bypass the permission
// store via the trusted-admin exemption and never exercise it.
func (w *Watcher) audit(ev fsnotify.Event) {
	if w.Dispatch == nil {
		return
	}
	const unknownActor = 0
	pid := unknownActor
	switch {
	case ev.Op&fsnotify.Write != 0:
		w.logVerdict(ev.Name, w.Dispatch.FileAccess(pid, 0, ev.Name, enforce.OpWrite))
	case ev.Op&fsnotify.Create != 0:
		w.logVerdict(ev.Name, w.Dispatch.Create(pid, 0, ev.Name, w.createOp(ev.Name)))
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.logVerdict(ev.Name, w.Dispatch.Unlink(pid, 0, ev.Name))
	}
}

// createOp tells a directory creation (mkdir) apart from a regular file
// creation (open O_CREAT): fsnotify's Create op fires identically for
// both, but only the latter has a real target to check before the
// parent-directory WRITE check. A stat failure means the entry is
// already gone by the time we looked; fall back to the O_CREAT path,
// which the parent check still runs regardless.
func (w *Watcher) createOp(path string) enforce.FileOp {
	if fi, err := os.Lstat(path); err == nil && fi.IsDir() {
		return enforce.OpCreate
	}
	return enforce.OpWrite
}

func (w *Watcher) logVerdict(path string, dec enforce.Decision) {
	if w.lg == nil || dec.Marked == 0 {
		return
	}
	w.lg.Debug("watched path matched an installed permission",
		hklog.KV("path", path), hklog.KV("allow", dec.Allow), hklog.KV("marked", dec.Marked.String()))
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
