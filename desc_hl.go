package htt

import (
	"encoding/binary"

	"github.com/soypat/htt/wire"
)

// hlDesc decodes the variable length descriptor the firmware copies
// into each high latency indication message. desc arguments are whole
// indication messages. The strategy caches the descriptor size and
// last sequence number per device because the size is declared per
// message rather than fixed.
type hlDesc struct {
	d *Device
}

func (h *hlDesc) word0(desc []byte) (uint32, bool) {
	if len(desc) < wire.HLIndDescOffset+4 {
		return 0, false
	}
	if n := int(desc[wire.HLIndDescLenOffset]); n > 0 {
		h.d.hlDescSize = n
	}
	return binary.LittleEndian.Uint32(desc[wire.HLIndDescOffset:]), true
}

func (h *hlDesc) flags(desc []byte) uint8 {
	if len(desc) <= wire.HLIndFlagOffset {
		return 0
	}
	return desc[wire.HLIndFlagOffset]
}

func (h *hlDesc) seqNum(desc []byte) uint16 {
	w0, ok := h.word0(desc)
	if !ok {
		return h.d.hlCurSeq
	}
	seq := uint16((w0 & wire.HLDescSeqNumMask) >> wire.HLDescSeqNumLSB)
	h.d.hlCurSeq = seq
	return seq
}

// High latency descriptors carry no retry bit.
func (h *hlDesc) retry([]byte) bool { return false }

func (h *hlDesc) pn(desc []byte, bits int) (pn [2]uint64) {
	base := wire.HLIndDescOffset
	if len(desc) < base+20 {
		return pn
	}
	w1 := uint64(binary.LittleEndian.Uint32(desc[base+4:]))
	w2 := uint64(binary.LittleEndian.Uint32(desc[base+8:]))
	switch bits {
	case 24:
		pn[0] = w1 & 0xffffff
	case 48:
		pn[0] = w1 | (w2&0xffff)<<32
	case 128:
		w3 := uint64(binary.LittleEndian.Uint32(desc[base+12:]))
		w4 := uint64(binary.LittleEndian.Uint32(desc[base+16:]))
		pn[0] = w1 | w2<<32
		pn[1] = w3 | w4<<32
	}
	return pn
}

func (h *hlDesc) tid([]byte) uint8 { return wire.TIDInvalid }

func (h *hlDesc) encrypted(desc []byte) bool {
	w0, ok := h.word0(desc)
	return ok && w0&wire.HLDescEncryptedMask != 0
}

func (h *hlDesc) keyID(desc []byte) (uint8, bool) {
	if h.flags(desc)&wire.HLFlagFirstMSDU == 0 {
		return 0, false
	}
	w0, ok := h.word0(desc)
	if !ok {
		return 0, false
	}
	return uint8((w0 & wire.HLDescKeyIDMask) >> wire.HLDescKeyIDLSB), true
}

func (h *hlDesc) firstMSDU(desc []byte) bool {
	return h.flags(desc)&wire.HLFlagFirstMSDU != 0
}

func (h *hlDesc) completesMPDU(desc []byte) bool {
	return h.flags(desc)&wire.HLFlagLastMSDU != 0
}

func (h *hlDesc) isFrag(desc []byte) bool {
	w0, ok := h.word0(desc)
	return ok && w0&wire.HLDescFragMask != 0
}

func (h *hlDesc) isMcast(desc []byte) bool {
	w0, ok := h.word0(desc)
	return ok && w0&wire.HLDescMcastBcastMask != 0
}

func (h *hlDesc) hasMcastFlag(desc []byte) bool {
	_, ok := h.word0(desc)
	return ok
}

func (h *hlDesc) tsf32([]byte) uint32  { return 0 }
func (h *hlDesc) rssiDBm([]byte) int16 { return wire.RSSIInvalid }

func (h *hlDesc) chanInfo([]byte) (uint16, uint16, uint16, uint8, bool) {
	return 0, 0, 0, 0, false
}
