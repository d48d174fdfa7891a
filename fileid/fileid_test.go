/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fileid

import "testing"

func TestIDValid(t *testing.T) {
	if (ID{Fsid: 0, Ino: 1}).Valid() {
		t.Fatal("zero fsid should be invalid")
	}
	if (ID{Fsid: 1, Ino: 0}).Valid() {
		t.Fatal("zero ino should be invalid")
	}
	if !(ID{Fsid: 1, Ino: 1}).Valid() {
		t.Fatal("non-zero pair should be valid")
	}
}

func TestIDLess(t *testing.T) {
	a := ID{Fsid: 1, Ino: 5}
	b := ID{Fsid: 1, Ino: 9}
	c := ID{Fsid: 2, Ino: 1}
	if !a.Less(b) {
		t.Fatal("expected a < b by ino")
	}
	if b.Less(a) {
		t.Fatal("expected b not < a")
	}
	if !b.Less(c) {
		t.Fatal("expected b < c by fsid")
	}
}

func TestMaskHasAny(t *testing.T) {
	m := ReadDeny | WriteAudit
	if !m.Has(ReadDeny) {
		t.Fatal("expected Has(ReadDeny)")
	}
	if m.Has(ReadDeny | WriteDeny) {
		t.Fatal("did not expect Has of a bit not set")
	}
	if !m.Any(WriteDeny | WriteAudit) {
		t.Fatal("expected Any to match WriteAudit")
	}
	if m.Any(UnlinkDeny | RenameDeny) {
		t.Fatal("did not expect Any to match unset bits")
	}
}

func TestMaskString(t *testing.T) {
	if Invalid.String() != "none" {
		t.Fatalf("unexpected string for Invalid: %q", Invalid.String())
	}
	if got := ReadDeny.String(); got != "READ_DENY" {
		t.Fatalf("unexpected string for ReadDeny: %q", got)
	}
	combo := (ReadDeny | UnlinkAudit).String()
	if combo != "READ_DENY|UNLINK_AUDIT" {
		t.Fatalf("unexpected combined string: %q", combo)
	}
}
