/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package simhost is a userspace-only stand-in for the host services
// a real kernel hook would get from the driver: path resolution,
// (fsid, ino) lookup, and trusted-process identification. It backs
// enforce.Services with real os/unix calls so the enforcement core can
// be exercised end to end (tests, the daemon's local demo mode) without
// an actual kernel module in the loop.
package simhost

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/freshdom/hackernel/fileid"
)

// Host implements enforce.Services against the real filesystem of the
// machine it runs on.
type Host struct {
	mu      sync.RWMutex
	trusted map[int]bool
}

// New returns a Host that trusts no pid until MarkTrusted is called.
// The daemon's own pid is expected to be marked trusted at startup.
func New() *Host {
	return &Host{trusted: make(map[int]bool)}
}

// MarkTrusted exempts pid (typically the daemon's own pid, or one of
// its children) from enforcement.
func (h *Host) MarkTrusted(pid int) {
	h.mu.Lock()
	h.trusted[pid] = true
	h.mu.Unlock()
}

// UnmarkTrusted reverses MarkTrusted, e.g. when a trusted child exits.
func (h *Host) UnmarkTrusted(pid int) {
	h.mu.Lock()
	delete(h.trusted, pid)
	h.mu.Unlock()
}

// IsTrustedAdmin reports whether pid was previously marked trusted.
func (h *Host) IsTrustedAdmin(pid int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.trusted[pid]
}

// ResolveAbsolute combines dirfd with userPath. dirfd is interpreted as
// unix.AT_FDCWD (the process's current directory) unless userPath is
// already absolute; there is no real per-fd directory table in
// userspace, so any other dirfd value is rejected.
func (h *Host) ResolveAbsolute(dirfd int, userPath string) (string, error) {
	if filepath.IsAbs(userPath) {
		return filepath.Clean(userPath), nil
	}
	if dirfd != unix.AT_FDCWD {
		return "", os.ErrInvalid
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Clean(filepath.Join(wd, userPath)), nil
}

// ResolveReal follows path if it is a symlink.
func (h *Host) ResolveReal(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// ParentOf returns path's lexical parent directory.
func (h *Host) ParentOf(path string) string {
	return filepath.Dir(path)
}

// FileID stats path and returns its (fsid, ino) pair. fsid is derived
// from the containing filesystem's statfs, mirroring the kernel's own
// superblock identity rather than the device number, since bind mounts
// of the same device should not be conflated here.
func (h *Host) FileID(path string) (fileid.ID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileid.ID{}, err
	}
	var sfs unix.Statfs_t
	if err := unix.Statfs(path, &sfs); err != nil {
		return fileid.ID{}, err
	}
	fsid := uint64(uint32(sfs.Fsid.Val[0]))<<32 | uint64(uint32(sfs.Fsid.Val[1]))
	if fsid == fileid.BadFsid {
		fsid = 1 // fsid.Val is often zeroed for single-device local filesystems
	}
	return fileid.ID{Fsid: fsid, Ino: st.Ino}, nil
}

// ReadUserArgv reads pid's argv from /proc and 0x1F-joins it (no
// trailing separator), truncated to maxLen bytes. This is the userspace
// analogue of copying argv out of the kernel's user memory for the
// process being execve'd.
func (h *Host) ReadUserArgv(pid int, maxLen int) (string, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return "", err
	}
	b = bytes.TrimRight(b, "\x00")
	for i, c := range b {
		if c == 0 {
			b[i] = 0x1f
		}
	}
	s := string(b)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s, nil
}
