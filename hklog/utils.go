/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hklog

import (
	"fmt"

	"github.com/crewjam/rfc5424"
)

// KV builds a structured-data parameter for the Logger's non-f methods,
// e.g. lg.Warn("deny", hklog.KV("path", p), hklog.KV("mask", m)).
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{Name: name, Value: toString(value)}
}

// KVErr is KV("error", err.Error()), or a no-op parameter if err is nil.
func KVErr(err error) rfc5424.SDParam {
	if err == nil {
		return rfc5424.SDParam{Name: "error", Value: ""}
	}
	return rfc5424.SDParam{Name: "error", Value: err.Error()}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
