package main

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/soypat/htt/wire"
)

func TestMsgFromBytes(t *testing.T) {
	mc := MsgCtl{SkipBytes: 4}
	data := []byte{0xca, 0xfe, 0xca, 0xfe, 0x11, 0x00, 0x00, 0x00}
	got := mc.MsgFromBytes(data)
	if !bytes.Equal(got, []byte{0x11, 0x00, 0x00, 0x00}) {
		t.Error("framing not skipped:", got)
	}
	mc = MsgCtl{SkipBytes: 4, TrimForce: 2}
	got = mc.MsgFromBytes(data)
	if !bytes.Equal(got, []byte{0x11, 0x00}) {
		t.Error("trailer not trimmed:", got)
	}
	if mc.MsgFromBytes(data[:3]) != nil {
		t.Error("transaction shorter than framing not dropped")
	}
}

func TestFwdescString(t *testing.T) {
	if s := fwdescString(0); s != "-----" {
		t.Error(s)
	}
	if s := fwdescString(wire.FWDescDiscard | wire.FWDescAnyErr); s != "D-E--" {
		t.Error(s)
	}
	if s := fwdescString(wire.FWDescForward | wire.FWDescInspect | wire.FWDescExt); s != "-O-IX" {
		t.Error(s)
	}
}

func TestDescribeInOrder(t *testing.T) {
	msg := make([]byte, wire.InOrdIndMSDUOffset+2*wire.MSDURecordLen)
	hdr := wire.InOrdIndHdr{ExtTID: 3, PeerID: 7, MSDUCount: 2}
	hdr.Put(msg)
	rec := wire.MSDURecord{Paddr: wire.PaddrTag(0x2000_0000), Len: 1500, FWDesc: wire.FWDescForward}
	rec.Put(msg[wire.InOrdIndMSDUOffset:])
	rec = wire.MSDURecord{Paddr: wire.PaddrTag(0x2000_0800), Len: 64, FWDesc: wire.FWDescDiscard}
	rec.Put(msg[wire.InOrdIndMSDUOffset+wire.MSDURecordLen:])

	mc := MsgCtl{Order: binary.LittleEndian}
	s := mc.describe(msg)
	for _, want := range []string{"rx_in_ord_paddr_ind", "peer=7", "tid=3", "msdus=2",
		"paddr=0x020000000", "len=1500", "fw=-O---", "fw=D----"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in %q", want, s)
		}
	}
}

func TestDescribeUnknown(t *testing.T) {
	mc := MsgCtl{Order: binary.LittleEndian}
	s := mc.describe([]byte{0x42, 0, 0, 0})
	if !strings.Contains(s, "unknown") || !strings.Contains(s, "len=   4") {
		t.Error(s)
	}
}
