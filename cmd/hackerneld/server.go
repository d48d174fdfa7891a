/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/freshdom/hackernel/control"
	"github.com/freshdom/hackernel/hklog"
	"github.com/freshdom/hackernel/protocol"
)

// server is the control-plane transport: a Unix domain socket standing
// in for the generic-netlink channel between the kernel hooks and the
// daemon. One connection is one candidate session; the
// portid control.Plane tracks is this server's own per-connection
// counter, not a real kernel port id.
type server struct {
	socketPath string
	lg         *hklog.Logger
	plane      *control.Plane

	ln net.Listener

	mu       sync.Mutex
	sessions map[uint32]*session
	nextID   uint32

	wg sync.WaitGroup
}

type session struct {
	conn net.Conn
	uid  uint32
}

func newServer(socketPath string, lg *hklog.Logger) *server {
	return &server{socketPath: socketPath, lg: lg, sessions: make(map[uint32]*session)}
}

func (s *server) Start() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		portid := atomic.AddUint32(&s.nextID, 1)
		uid := peerUID(conn)

		s.mu.Lock()
		s.sessions[portid] = &session{conn: conn, uid: uid}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(portid, conn)
	}
}

func (s *server) handleConn(portid uint32, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.sessions, portid)
		s.mu.Unlock()
		s.plane.EndSession(portid)
	}()

	for {
		msg, err := protocol.ReadFrom(conn)
		if err != nil {
			return
		}
		if msg.Command == protocol.CmdHandshake {
			reply := s.plane.Handshake(portid)
			if err := protocol.WriteTo(conn, reply); err != nil {
				return
			}
			continue
		}
		if err := s.plane.Dispatch(context.Background(), portid, msg); err != nil {
			s.lg.Warn("dispatch failed", hklog.KV("portid", portid), hklog.KVErr(err))
		}
	}
}

// HasCapability implements control.Services: the administrator
// capability is modeled as the connecting peer's effective uid being
// root, read once via SO_PEERCRED at accept time.
func (s *server) HasCapability(portid uint32) bool {
	s.mu.Lock()
	sess, ok := s.sessions[portid]
	s.mu.Unlock()
	return ok && sess.uid == 0
}

// Send implements control.Sender by writing the framed message to
// portid's connection, if it is still open.
func (s *server) Send(_ context.Context, portid uint32, msg protocol.Message) error {
	s.mu.Lock()
	sess, ok := s.sessions[portid]
	s.mu.Unlock()
	if !ok {
		return errors.New("hackerneld: session gone")
	}
	return protocol.WriteTo(sess.conn, msg)
}

func peerUID(conn net.Conn) uint32 {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ^uint32(0)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ^uint32(0)
	}
	var uid uint32 = ^uint32(0)
	raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err == nil {
			uid = cred.Uid
		}
	})
	return uid
}
