/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hkconfig reads the daemon's gcfg/INI configuration file: the
// control-plane socket, logging, the execve ticket deadline, and a set
// of permission entries to install at startup. There is no persistence
// across restarts, so every entry the daemon enforces after a restart
// comes back out of this file.
package hkconfig

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/gravwell/gcfg"

	"github.com/freshdom/hackernel/fileid"
)

const maxConfigSize int64 = 1024 * 1024

const (
	defaultLogLevel = `INFO`
	defaultExecveMs = 100
)

// DefaultSocketPath is the control-plane socket hackerneld binds to when
// Socket_Path is unset in the config file. hackernelctl dials the same
// path when -socket is not given, so a freshly installed daemon and the
// stock CLI agree on a rendezvous point with no config override needed.
const DefaultSocketPath = `/var/run/hackernel.sock`

type global struct {
	Socket_Path       string
	Log_File          string
	Log_Level         string
	Execve_Timeout_Ms int
}

type permissionReadCfg struct {
	Path string
	Perm []string
}

type cfgType struct {
	Global     global
	Permission map[string]*permissionReadCfg
}

// Entry is a bootstrap permission installed at startup, before any
// path is resolved to a fileid.ID.
type Entry struct {
	Path string
	Perm fileid.Mask
}

// Config is the parsed, validated daemon configuration.
type Config struct {
	SocketPath    string
	LogFile       string
	LogLevel      string
	ExecveTimeout time.Duration
	Entries       []Entry
}

var (
	ErrEmptyPath    = errors.New("hkconfig: permission block missing path")
	ErrUnknownPerm  = errors.New("hkconfig: unknown permission name")
	ErrTooLarge     = errors.New("hkconfig: config file too large")
	ErrBadTimeout   = errors.New("hkconfig: execve timeout must be > 0")
)

var permNames = map[string]fileid.Mask{
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

// Load reads, parses and validates the config file at path.
func Load(path string) (Config, error) {
	var cfg Config

	fin, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return cfg, err
	}
	if fi.Size() > maxConfigSize {
		return cfg, ErrTooLarge
	}

	data, err := ioutil.ReadAll(fin)
	if err != nil {
		return cfg, err
	}

	var raw cfgType
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return cfg, err
	}
	return raw.resolve()
}

func (c cfgType) resolve() (Config, error) {
	cfg := Config{
		SocketPath:    c.Global.Socket_Path,
		LogFile:       c.Global.Log_File,
		LogLevel:      c.Global.Log_Level,
		ExecveTimeout: time.Duration(c.Global.Execve_Timeout_Ms) * time.Millisecond,
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if c.Global.Execve_Timeout_Ms == 0 {
		cfg.ExecveTimeout = defaultExecveMs * time.Millisecond
	} else if c.Global.Execve_Timeout_Ms < 0 {
		return cfg, ErrBadTimeout
	}

	for _, p := range c.Permission {
		if p == nil {
			continue
		}
		if strings.TrimSpace(p.Path) == "" {
			return cfg, ErrEmptyPath
		}
		var mask fileid.Mask
		for _, field := range p.Perm {
			for _, name := range strings.Split(field, ",") {
				name = strings.ToUpper(strings.TrimSpace(name))
				if name == "" {
					continue
				}
				bit, ok := permNames[name]
				if !ok {
					return cfg, ErrUnknownPerm
				}
				mask |= bit
			}
		}
		cfg.Entries = append(cfg.Entries, Entry{Path: p.Path, Perm: mask})
	}
	return cfg, nil
}

// DumpDiagnostics writes a human-readable snapshot of cfg's bootstrap
// entries to path, for an operator inspecting what the daemon loaded
// at startup. The write is atomic (write-to-temp, fsync, rename) via
// renameio, so a reader never observes a partial file even if the
// daemon is killed mid-dump.
func DumpDiagnostics(path string, cfg Config) error {
	var b strings.Builder
	fmt.Fprintf(&b, "socket_path=%s\n", cfg.SocketPath)
	fmt.Fprintf(&b, "log_level=%s\n", cfg.LogLevel)
	fmt.Fprintf(&b, "execve_timeout=%s\n", cfg.ExecveTimeout)
	for _, e := range cfg.Entries {
		fmt.Fprintf(&b, "entry path=%s perm=%s\n", e.Path, e.Perm)
	}
	return renameio.WriteFile(path, []byte(b.String()), 0640)
}
