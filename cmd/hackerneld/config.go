/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"os"

	"github.com/freshdom/hackernel/hkconfig"
	"github.com/freshdom/hackernel/hklog"
)

func loadConfig(path string) (hkconfig.Config, error) {
	return hkconfig.Load(path)
}

func newLogger(cfg hkconfig.Config) (*hklog.Logger, error) {
	var lg *hklog.Logger
	var err error
	if cfg.LogFile != "" {
		lg, err = hklog.NewFile(cfg.LogFile)
		if err != nil {
			return nil, err
		}
	} else {
		lg = hklog.New(os.Stderr)
	}
	if err := lg.SetLevelString(cfg.LogLevel); err != nil {
		return nil, err
	}
	return lg, nil
}
