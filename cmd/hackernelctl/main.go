/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command hackernelctl is a minimal operator surface: a thin client
// over the control-plane socket that performs the one HANDSHAKE every
// session needs and then sends a single FILE or PROCESS command.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/freshdom/hackernel/fileid"
	"github.com/freshdom/hackernel/hkconfig"
	"github.com/freshdom/hackernel/protocol"
)

func main() {
	socketPath := flag.String("socket", hkconfig.DefaultSocketPath, "control-plane socket path")
	cmd := flag.String("cmd", "", "file-enable|file-disable|file-set|proc-enable|proc-disable")
	path := flag.String("path", "", "path for file-set")
	perm := flag.String("perm", "", "comma-separated permission bits for file-set")
	flag.Parse()

	if *cmd == "" {
		fmt.Fprintln(os.Stderr, "usage: hackernelctl -cmd <op> [-path P] [-perm BITS]")
		os.Exit(2)
	}

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer conn.Close()

	handshake := protocol.NewMessage(protocol.CmdHandshake).WithU64(protocol.AttrSyscallTableHeader, 0)
	if err := protocol.WriteTo(conn, handshake); err != nil {
		fmt.Fprintln(os.Stderr, "handshake send:", err)
		os.Exit(1)
	}
	reply, err := protocol.ReadFrom(conn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "handshake reply:", err)
		os.Exit(1)
	}
	status, _ := reply.I32(protocol.AttrStatusCode)
	if status != 0 {
		fmt.Fprintln(os.Stderr, "handshake rejected: missing administrator capability")
		os.Exit(1)
	}

	msg, err := buildCommand(*cmd, *path, *perm)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := protocol.WriteTo(conn, msg); err != nil {
		fmt.Fprintln(os.Stderr, "send:", err)
		os.Exit(1)
	}
}

func buildCommand(cmd, path, permNames string) (protocol.Message, error) {
	switch cmd {
	case "file-enable":
		return protocol.NewMessage(protocol.CmdFile).WithU8(protocol.AttrOpType, uint8(protocol.OpEnable)), nil
	case "file-disable":
		return protocol.NewMessage(protocol.CmdFile).WithU8(protocol.AttrOpType, uint8(protocol.OpDisable)), nil
	case "file-set":
		if path == "" {
			return protocol.Message{}, fmt.Errorf("hackernelctl: file-set requires -path")
		}
		mask, err := parsePerm(permNames)
		if err != nil {
			return protocol.Message{}, err
		}
		return protocol.NewMessage(protocol.CmdFile).
			WithU8(protocol.AttrOpType, uint8(protocol.OpSet)).
			WithStr(protocol.AttrName, path).
			WithI32(protocol.AttrPerm, int32(mask)), nil
	case "proc-enable":
		return protocol.NewMessage(protocol.CmdProcess).WithU8(protocol.AttrOpType, uint8(protocol.OpEnable)).WithI32(protocol.AttrExecveID, 0), nil
	case "proc-disable":
		return protocol.NewMessage(protocol.CmdProcess).WithU8(protocol.AttrOpType, uint8(protocol.OpDisable)).WithI32(protocol.AttrExecveID, 0), nil
	default:
		return protocol.Message{}, fmt.Errorf("hackernelctl: unknown -cmd %q", cmd)
	}
}

var bitNames = map[string]fileid.Mask{
	"READ_DENY":    fileid.ReadDeny,
	"WRITE_DENY":   fileid.WriteDeny,
	"RDWR_DENY":    fileid.RdwrDeny,
	"UNLINK_DENY":  fileid.UnlinkDeny,
	"RENAME_DENY":  fileid.RenameDeny,
	"READ_AUDIT":   fileid.ReadAudit,
	"WRITE_AUDIT":  fileid.WriteAudit,
	"RDWR_AUDIT":   fileid.RdwrAudit,
	"UNLINK_AUDIT": fileid.UnlinkAudit,
	"RENAME_AUDIT": fileid.RenameAudit,
}

func parsePerm(s string) (fileid.Mask, error) {
	var mask fileid.Mask
	for _, name := range strings.Split(s, ",") {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		bit, ok := bitNames[name]
		if !ok {
			return 0, fmt.Errorf("hackernelctl: unknown permission %q", name)
		}
		mask |= bit
	}
	return mask, nil
}
