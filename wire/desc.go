package wire

import "encoding/binary"

// RxDesc is a view over the DMA rx descriptor region at the front of a
// receive buffer. The MAC DMA fills it in; the host reads fields with
// explicit mask and shift extraction over little-endian dwords.
//
// Word layout:
//
//	0      fw rx desc byte [7:0], chain continuation count [15:8]
//	1      attention flags
//	2..4   mpdu_start: info, pn[31:0], pn[47:32]
//	5..7   msdu_start: length info, flow flags, reserved
//	8..12  msdu_end: reserved, key/pad/ext pn, ext pn, ext pn, msdu flags
//	13     mpdu_end
//	14..23 ppdu_start
//	24..31 ppdu_end, pad
type RxDesc []byte

const (
	descWordFWDesc     = 0
	descWordAttn       = 1
	descWordMPDUStart0 = 2
	descWordMPDUPN0    = 3
	descWordMPDUStart2 = 4
	descWordMSDUStart0 = 5
	descWordMSDUStart1 = 6
	descWordMSDUEnd0   = 8
	descWordMSDUEnd1   = 9
	descWordMSDUEnd2   = 10
	descWordMSDUEnd3   = 11
	descWordMSDUEnd4   = 12
)

// Attention word flags.
const (
	AttnFirstMPDU       = 1 << 0
	AttnLastMPDU        = 1 << 1
	AttnMcastBcast      = 1 << 2
	AttnFragment        = 1 << 13
	AttnOverflowErr     = 1 << 16
	AttnMSDULengthErr   = 1 << 17
	AttnTCPUDPCksumFail = 1 << 18
	AttnIPCksumFail     = 1 << 19
	AttnMPDULengthErr   = 1 << 27
	AttnTKIPMICErr      = 1 << 28
	AttnDecryptErr      = 1 << 29
	AttnFCSErr          = 1 << 30
	AttnMSDUDone        = 1 << 31
)

// AttnAnyPhyErr groups the attention bits that indicate the PHY or MAC
// flagged the frame as bad.
const AttnAnyPhyErr = AttnOverflowErr | AttnMSDULengthErr | AttnMPDULengthErr |
	AttnTKIPMICErr | AttnDecryptErr | AttnFCSErr

// mpdu_start word 0 fields.
const (
	mpduStartPeerIdxMask = 0x0000_07ff
	mpduStartFromDS      = 1 << 11
	mpduStartToDS        = 1 << 12
	mpduStartEncrypted   = 1 << 13
	mpduStartRetry       = 1 << 14
	mpduStartSeqNumMask  = 0x0fff_0000
	mpduStartSeqNumLSB   = 16
)

// mpdu_start word 2 and msdu_end extended PN fields.
const (
	mpduStartPN4732Mask = 0x0000_ffff
	mpduStartTIDMask    = 0x000f_0000
	mpduStartTIDLSB     = 16
	msduEndExtPN6348LSB = 16
)

// msdu_start word 0 and word 1 fields.
const (
	msduStartLenMask = 0x0000_3fff
	msduStartIPFrag  = 1 << 0
	msduStartTCP     = 1 << 1
	msduStartUDP     = 1 << 2
	msduStartIPv6    = 1 << 3
)

// msdu_end word 1 and word 4 fields.
const (
	msduEndL3PadMask = 0x0000_0007
	msduEndKeyIDMask = 0x0000_ff00
	msduEndKeyIDLSB  = 8
	msduEndFirstMSDU = 1 << 14
	msduEndLastMSDU  = 1 << 15
)

// DMADebugPattern is scribbled over the msdu_start word before mapping
// when completion-marker debugging is enabled, so descriptors the DMA
// never wrote back stand out in memory dumps.
const DMADebugPattern = 0xDEADBEEF

func (d RxDesc) word(i int) uint32       { return binary.LittleEndian.Uint32(d[4*i:]) }
func (d RxDesc) setWord(i int, v uint32) { binary.LittleEndian.PutUint32(d[4*i:], v) }

func (d RxDesc) AttnFlags() uint32     { return d.word(descWordAttn) }
func (d RxDesc) SetAttnFlags(v uint32) { d.setWord(descWordAttn, v) }

// MSDUDone reports whether the MAC DMA finished writing this descriptor
// and its payload.
func (d RxDesc) MSDUDone() bool { return d.word(descWordAttn)&AttnMSDUDone != 0 }

func (d RxDesc) FWDesc() uint8 { return uint8(d.word(descWordFWDesc)) }

// SetFWDesc stores the FW rx descriptor byte copied out of the
// indication message.
func (d RxDesc) SetFWDesc(v uint8) {
	w := d.word(descWordFWDesc)
	d.setWord(descWordFWDesc, w&^0xff|uint32(v))
}

// MSDUChained returns how many continuation buffers follow this MSDU.
func (d RxDesc) MSDUChained() int { return int(d.word(descWordFWDesc) >> 8 & 0xff) }

func (d RxDesc) SetMSDUChained(n uint8) {
	w := d.word(descWordFWDesc)
	d.setWord(descWordFWDesc, w&^uint32(0xff00)|uint32(n)<<8)
}

func (d RxDesc) MSDULen() int { return int(d.word(descWordMSDUStart0) & msduStartLenMask) }

func (d RxDesc) SetMSDULen(n int) {
	w := d.word(descWordMSDUStart0)
	d.setWord(descWordMSDUStart0, w&^uint32(msduStartLenMask)|uint32(n)&msduStartLenMask)
}

func (d RxDesc) FirstMSDU() bool { return d.word(descWordMSDUEnd4)&msduEndFirstMSDU != 0 }
func (d RxDesc) LastMSDU() bool  { return d.word(descWordMSDUEnd4)&msduEndLastMSDU != 0 }

func (d RxDesc) SetMSDUEndFlags(first, last bool) {
	w := d.word(descWordMSDUEnd4) &^ uint32(msduEndFirstMSDU|msduEndLastMSDU)
	if first {
		w |= msduEndFirstMSDU
	}
	if last {
		w |= msduEndLastMSDU
	}
	d.setWord(descWordMSDUEnd4, w)
}

func (d RxDesc) Retry() bool     { return d.word(descWordMPDUStart0)&mpduStartRetry != 0 }
func (d RxDesc) Encrypted() bool { return d.word(descWordMPDUStart0)&mpduStartEncrypted != 0 }
func (d RxDesc) PeerIdx() uint16 { return uint16(d.word(descWordMPDUStart0) & mpduStartPeerIdxMask) }

func (d RxDesc) SeqNum() uint16 {
	return uint16((d.word(descWordMPDUStart0) & mpduStartSeqNumMask) >> mpduStartSeqNumLSB)
}

func (d RxDesc) SetMPDUStart(seqNum uint16, peerIdx uint16, retry, encrypted bool) {
	w := uint32(peerIdx) & mpduStartPeerIdxMask
	w |= uint32(seqNum) << mpduStartSeqNumLSB & mpduStartSeqNumMask
	if retry {
		w |= mpduStartRetry
	}
	if encrypted {
		w |= mpduStartEncrypted
	}
	d.setWord(descWordMPDUStart0, w)
}

// TID reports the receive traffic class of the MPDU.
func (d RxDesc) TID() uint8 {
	return uint8((d.word(descWordMPDUStart2) & mpduStartTIDMask) >> mpduStartTIDLSB)
}

func (d RxDesc) SetTID(tid uint8) {
	w := d.word(descWordMPDUStart2)
	w = w&^uint32(mpduStartTIDMask) | uint32(tid&0xf)<<mpduStartTIDLSB
	d.setWord(descWordMPDUStart2, w)
}

// PN assembles the packet number for the given PN width in bits
// (24, 48 or 128). Unused high words are zero.
func (d RxDesc) PN(bits int) (pn [2]uint64) {
	pn0 := uint64(d.word(descWordMPDUPN0))
	switch bits {
	case 24:
		pn[0] = pn0 & 0xffffff
	case 48:
		pn[0] = pn0
		pn[0] |= uint64(d.word(descWordMPDUStart2)&mpduStartPN4732Mask) << 32
	case 128:
		pn[0] = pn0
		pn[0] |= uint64(d.word(descWordMPDUStart2)&mpduStartPN4732Mask) << 32
		pn[0] |= uint64(d.word(descWordMSDUEnd1)>>msduEndExtPN6348LSB) << 48
		pn[1] = uint64(d.word(descWordMSDUEnd2))
		pn[1] |= uint64(d.word(descWordMSDUEnd3)) << 32
	}
	return pn
}

func (d RxDesc) SetPN(pn [2]uint64) {
	d.setWord(descWordMPDUPN0, uint32(pn[0]))
	w := d.word(descWordMPDUStart2) &^ uint32(mpduStartPN4732Mask)
	d.setWord(descWordMPDUStart2, w|uint32(pn[0]>>32)&mpduStartPN4732Mask)
	w = d.word(descWordMSDUEnd1) & 0xffff
	d.setWord(descWordMSDUEnd1, w|uint32(pn[0]>>48)<<msduEndExtPN6348LSB)
	d.setWord(descWordMSDUEnd2, uint32(pn[1]))
	d.setWord(descWordMSDUEnd3, uint32(pn[1]>>32))
}

// KeyID returns the key id octet. Only valid on the first MSDU of an
// MPDU; ok is false otherwise.
func (d RxDesc) KeyID() (id uint8, ok bool) {
	if !d.FirstMSDU() {
		return 0, false
	}
	return uint8((d.word(descWordMSDUEnd1) & msduEndKeyIDMask) >> msduEndKeyIDLSB), true
}

func (d RxDesc) SetKeyID(id uint8) {
	w := d.word(descWordMSDUEnd1) &^ uint32(msduEndKeyIDMask)
	d.setWord(descWordMSDUEnd1, w|uint32(id)<<msduEndKeyIDLSB)
}

// L3HeaderPadding is the number of bytes the DMA inserted between the
// descriptor and the payload to align the L3 header.
func (d RxDesc) L3HeaderPadding() int { return int(d.word(descWordMSDUEnd1) & msduEndL3PadMask) }

func (d RxDesc) SetL3HeaderPadding(n int) {
	w := d.word(descWordMSDUEnd1) &^ uint32(msduEndL3PadMask)
	d.setWord(descWordMSDUEnd1, w|uint32(n)&msduEndL3PadMask)
}

// Flow classification bits used for the checksum offload verdict.
func (d RxDesc) IPFrag() bool { return d.word(descWordMSDUStart1)&msduStartIPFrag != 0 }
func (d RxDesc) TCP() bool    { return d.word(descWordMSDUStart1)&msduStartTCP != 0 }
func (d RxDesc) UDP() bool    { return d.word(descWordMSDUStart1)&msduStartUDP != 0 }
func (d RxDesc) IPv6() bool   { return d.word(descWordMSDUStart1)&msduStartIPv6 != 0 }

func (d RxDesc) SetFlowFlags(ipFrag, tcp, udp, ipv6 bool) {
	var w uint32
	if ipFrag {
		w |= msduStartIPFrag
	}
	if tcp {
		w |= msduStartTCP
	}
	if udp {
		w |= msduStartUDP
	}
	if ipv6 {
		w |= msduStartIPv6
	}
	d.setWord(descWordMSDUStart1, w)
}

// PresetDMADebug scribbles recognizable patterns over the words the DMA
// must overwrite: descriptors that still show them were never written
// back. Called before mapping, paired with a completion-marker recheck
// on the pop side.
func (d RxDesc) PresetDMADebug() {
	d.setWord(descWordMSDUEnd0, 1)
	d.setWord(descWordMSDUStart0, DMADebugPattern)
}
