/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command hackerneld is the daemon: it loads its config, wires up the
// permission store, execve ticket table, control plane and enforcement
// dispatcher, and serves the control-plane socket until told to quit.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/freshdom/hackernel/control"
	"github.com/freshdom/hackernel/enforce"
	"github.com/freshdom/hackernel/execticket"
	"github.com/freshdom/hackernel/hkconfig"
	"github.com/freshdom/hackernel/hklog"
	"github.com/freshdom/hackernel/internal/simhost"
	"github.com/freshdom/hackernel/permstore"
	"github.com/freshdom/hackernel/utils"
)

const defConfigLoc = `/etc/hackernel/hackerneld.cfg`

var (
	cfgFlag = flag.String("config-override", "", "Override config file path")
	cfgFile string
)

func init() {
	cfgFile = defConfigLoc
	flag.Parse()
	if *cfgFlag != "" {
		cfgFile = *cfgFlag
	}
}

func main() {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		log.Fatal("failed to open config file ", cfgFile, ": ", err)
	}

	lg, err := newLogger(cfg)
	if err != nil {
		log.Fatal("failed to open logger: ", err)
	}
	defer lg.Close()

	if err := hkconfig.DumpDiagnostics(cfgFile+".loaded", cfg); err != nil {
		lg.Warn("failed to write config diagnostics snapshot", hklog.KVErr(err))
	}

	host := simhost.New()
	host.MarkTrusted(os.Getpid())

	store := permstore.New()
	for _, e := range cfg.Entries {
		if err := store.SetPath(host, e.Path, e.Perm); err != nil {
			lg.Warn("bootstrap permission entry rejected", hklog.KV("path", e.Path), hklog.KVErr(err))
		}
	}

	tickets := execticket.New()
	srv := newServer(cfg.SocketPath, lg)

	plane := control.New(store, tickets, host, srv, srv, lg)
	srv.plane = plane

	dispatcher := enforce.New(store, tickets, host, plane, plane, lg)
	dispatcher.ExecveTimeout = cfg.ExecveTimeout

	watchCtx, stopWatch := context.WithCancel(context.Background())
	watcher := startWatcher(host, store, dispatcher, cfg.Entries, lg, watchCtx)

	if err := srv.Start(); err != nil {
		lg.Criticalf("failed to start control-plane socket: %v", err)
		os.Exit(1)
	}
	lg.Infof("hackerneld listening on %s", cfg.SocketPath)

	sig := utils.WaitForQuit()
	lg.Infof("received %v, shutting down", sig)

	srv.Stop()
	stopWatch()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			lg.Warn("error closing path watcher", hklog.KVErr(err))
		}
	}
	if err := plane.Close(); err != nil {
		lg.Warn("error draining outbound notifications", hklog.KVErr(err))
	}
}

// startWatcher watches every bootstrap entry's parent directory so the
// enforcement core sees real local filesystem activity under the
// daemon's protected paths even without a kernel module driving it. A
// failure to open the watcher is non-fatal: the daemon still enforces
// over the control-plane socket, it just loses the local audit trail
// this provides.
func startWatcher(host *simhost.Host, store *permstore.Store, dispatcher *enforce.Dispatcher, entries []hkconfig.Entry, lg *hklog.Logger, ctx context.Context) *simhost.Watcher {
	w, err := simhost.NewWatcher(host, store, lg)
	if err != nil {
		lg.Warn("failed to start path watcher", hklog.KVErr(err))
		return nil
	}
	w.Dispatch = dispatcher

	seen := make(map[string]bool)
	for _, e := range entries {
		dir := host.ParentOf(e.Path)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := w.Add(dir); err != nil {
			lg.Warn("failed to watch directory", hklog.KV("dir", dir), hklog.KVErr(err))
		}
	}
	go w.Run(ctx)
	return w
}
