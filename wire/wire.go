// Package wire defines the byte layouts shared between the NIC firmware
// and the host on the receive path: target-to-host indication messages,
// per-MSDU address records and the DMA descriptor that fronts every
// receive buffer. All multi-byte fields are little-endian on the wire;
// accessors extract fields by explicit byte-range reads so they behave
// identically on any host.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// BufSize is the allocation size of every receive buffer. The DMA
	// descriptor occupies the first RxDescSize bytes, the payload the rest.
	BufSize = 2048
	// RxDescSize is the size of the DMA rx descriptor region.
	RxDescSize = 128
	// DescReservation is the headroom consumed in front of the payload.
	// Equal to RxDescSize already aligned to 8 bytes.
	DescReservation = RxDescSize
)

// MsgType enumerates target-to-host message types. The type lives in the
// low byte of the first dword of every message.
type MsgType uint8

const (
	MsgTypeVersionConf       MsgType = 0x0
	MsgTypeRxInd             MsgType = 0x1
	MsgTypeRxFlush           MsgType = 0x2
	MsgTypePeerMap           MsgType = 0x3
	MsgTypePeerUnmap         MsgType = 0x4
	MsgTypeRxAddBA           MsgType = 0x5
	MsgTypeRxDelBA           MsgType = 0x6
	MsgTypeTxComplInd        MsgType = 0x7
	MsgTypePktlog            MsgType = 0x8
	MsgTypeStatsConf         MsgType = 0x9
	MsgTypeRxFragInd         MsgType = 0xa
	MsgTypeSecInd            MsgType = 0xb
	MsgTypeOffloadDeliverInd MsgType = 0x10
	MsgTypeRxInOrdPaddrInd   MsgType = 0x11
)

func (mt MsgType) String() (s string) {
	switch mt {
	case MsgTypeVersionConf:
		s = "version_conf"
	case MsgTypeRxInd:
		s = "rx_ind"
	case MsgTypeRxFlush:
		s = "rx_flush"
	case MsgTypePeerMap:
		s = "peer_map"
	case MsgTypePeerUnmap:
		s = "peer_unmap"
	case MsgTypeRxAddBA:
		s = "rx_addba"
	case MsgTypeRxDelBA:
		s = "rx_delba"
	case MsgTypeTxComplInd:
		s = "tx_compl_ind"
	case MsgTypePktlog:
		s = "pktlog"
	case MsgTypeStatsConf:
		s = "stats_conf"
	case MsgTypeRxFragInd:
		s = "rx_frag_ind"
	case MsgTypeSecInd:
		s = "sec_ind"
	case MsgTypeOffloadDeliverInd:
		s = "offload_deliver_ind"
	case MsgTypeRxInOrdPaddrInd:
		s = "rx_in_ord_paddr_ind"
	default:
		s = "unknown"
	}
	return s
}

// GetMsgType reads the message type from the first byte of a message.
func GetMsgType(msg []byte) MsgType {
	if len(msg) == 0 {
		return MsgType(0xff)
	}
	return MsgType(msg[0])
}

// Physical addresses handed to the firmware carry a magic pattern in the
// bits above the 37 bit address so stray ring writes are recognizable in
// memory dumps. Tagging is idempotent; the hash table and all lookups
// operate on untagged addresses.
const (
	PaddrMask        = 0x01F_FFFF_FFFF // lower 37 bits
	paddrMagicShift  = 32
	PaddrMagicMarker = 0xDEAD_0000 // lands in bits [63:48] once shifted
)

// PaddrTag clears the bits above the 37 bit physical address and marks
// the upper bits with the magic pattern.
func PaddrTag(paddr uint64) uint64 {
	paddr &= PaddrMask
	paddr |= PaddrMagicMarker << paddrMagicShift
	return paddr
}

// PaddrUntag strips the marker, returning the 37 bit physical address.
func PaddrUntag(paddr uint64) uint64 { return paddr & PaddrMask }

// FW rx descriptor byte. The firmware attaches one per MSDU, telling the
// host what to do with the frame.
const (
	FWDescDiscard = 1 << 0
	FWDescForward = 1 << 1
	FWDescAnyErr  = 1 << 2 // integrity failure (MIC or similar)
	FWDescInspect = 1 << 3
	FWDescExt     = 1 << 4 // extension data follows (e.g. LRO flow id)
)

// MSDU info byte flags carried next to the FW descriptor in address
// records.
const MSDUInfoFirstWakeup = 1 << 0

var (
	errShortMsg    = errors.New("wire: message shorter than header")
	errShortRecord = errors.New("wire: truncated msdu record array")
)

// InOrdIndHdr is the fixed 8 byte header of an in-order receive
// indication. An array of MSDURecords follows it.
type InOrdIndHdr struct {
	ExtTID    uint8 // traffic class the MSDUs belong to, 5 bits
	Offload   bool  // records describe offloaded deliveries
	Frag      bool  // records describe an 802.11 fragment
	Pktlog    bool  // packet log data appended after the records
	PeerID    uint16
	MSDUCount uint16
}

// InOrdIndHdrLen is the byte length of the in-order indication header.
const InOrdIndHdrLen = 8

// InOrdIndMSDUOffset is the byte offset of the first MSDURecord.
const InOrdIndMSDUOffset = InOrdIndHdrLen

func DecodeInOrdIndHdr(b []byte) (hdr InOrdIndHdr, err error) {
	if len(b) < InOrdIndHdrLen {
		return hdr, errShortMsg
	}
	w0 := binary.LittleEndian.Uint32(b)
	w1 := binary.LittleEndian.Uint32(b[4:])
	hdr.ExtTID = uint8(w0>>8) & 0x1f
	hdr.Offload = w0&(1<<13) != 0
	hdr.Frag = w0&(1<<14) != 0
	hdr.Pktlog = w0&(1<<15) != 0
	hdr.PeerID = uint16(w0 >> 16)
	hdr.MSDUCount = uint16(w1)
	return hdr, nil
}

// Put encodes the header into the first InOrdIndHdrLen bytes of dst.
func (hdr *InOrdIndHdr) Put(dst []byte) {
	_ = dst[InOrdIndHdrLen-1]
	w0 := uint32(MsgTypeRxInOrdPaddrInd)
	w0 |= uint32(hdr.ExtTID&0x1f) << 8
	if hdr.Offload {
		w0 |= 1 << 13
	}
	if hdr.Frag {
		w0 |= 1 << 14
	}
	if hdr.Pktlog {
		w0 |= 1 << 15
	}
	w0 |= uint32(hdr.PeerID) << 16
	binary.LittleEndian.PutUint32(dst, w0)
	binary.LittleEndian.PutUint32(dst[4:], uint32(hdr.MSDUCount))
}

// MSDURecord is one element of the address array inside an in-order
// indication: the tagged bus address of a posted receive buffer plus the
// firmware's length and disposition for the MSDU inside it.
type MSDURecord struct {
	Paddr  uint64 // tagged; PaddrUntag before hash lookup
	Len    uint16
	FWDesc uint8
	Info   uint8 // MSDUInfo flags (first wakeup packet marking)
}

// MSDURecordLen is the byte length of one MSDURecord: paddr lo dword,
// paddr hi dword, info dword.
const MSDURecordLen = 12

func DecodeMSDURecord(b []byte) (rec MSDURecord, err error) {
	if len(b) < MSDURecordLen {
		return rec, errShortRecord
	}
	lo := binary.LittleEndian.Uint32(b)
	hi := binary.LittleEndian.Uint32(b[4:])
	info := binary.LittleEndian.Uint32(b[8:])
	rec.Paddr = uint64(lo) | uint64(hi)<<32
	rec.Len = uint16(info)
	rec.FWDesc = uint8(info >> 16)
	rec.Info = uint8(info >> 24)
	return rec, nil
}

func (rec *MSDURecord) Put(dst []byte) {
	_ = dst[MSDURecordLen-1]
	binary.LittleEndian.PutUint32(dst, uint32(rec.Paddr))
	binary.LittleEndian.PutUint32(dst[4:], uint32(rec.Paddr>>32))
	info := uint32(rec.Len) | uint32(rec.FWDesc)<<16 | uint32(rec.Info)<<24
	binary.LittleEndian.PutUint32(dst[8:], info)
}

// OffloadMSDUHdr prefixes each MSDU of an offload delivery. The firmware
// already fully processed these frames; the host only re-parents them.
type OffloadMSDUHdr struct {
	Len    uint16
	PeerID uint16
	VdevID uint8
	TID    uint8
	FWDesc uint8
}

// OffloadMSDUHdrLen is the byte length of the per-MSDU offload header.
const OffloadMSDUHdrLen = 8

// OffloadDeliverIndHdrLen is the message header ahead of the first
// per-MSDU offload header in an offload deliver indication.
const OffloadDeliverIndHdrLen = 4

func DecodeOffloadMSDUHdr(b []byte) (hdr OffloadMSDUHdr, err error) {
	if len(b) < OffloadMSDUHdrLen {
		return hdr, errShortMsg
	}
	w0 := binary.LittleEndian.Uint32(b)
	w1 := binary.LittleEndian.Uint32(b[4:])
	hdr.Len = uint16(w0)
	hdr.PeerID = uint16(w0 >> 16)
	hdr.VdevID = uint8(w1)
	hdr.TID = uint8(w1 >> 8)
	hdr.FWDesc = uint8(w1 >> 16)
	return hdr, nil
}

func (hdr *OffloadMSDUHdr) Put(dst []byte) {
	_ = dst[OffloadMSDUHdrLen-1]
	binary.LittleEndian.PutUint32(dst, uint32(hdr.Len)|uint32(hdr.PeerID)<<16)
	binary.LittleEndian.PutUint32(dst[4:],
		uint32(hdr.VdevID)|uint32(hdr.TID)<<8|uint32(hdr.FWDesc)<<16)
}

// RxIndHdr is the first dword of an ordered receive indication. Rx and
// fragment indications share the packing.
type RxIndHdr struct {
	ExtTID uint8 // traffic class, 5 bits
	PeerID uint16
}

func DecodeRxIndHdr(b []byte) (hdr RxIndHdr, err error) {
	if len(b) < 4 {
		return hdr, errShortMsg
	}
	w0 := binary.LittleEndian.Uint32(b)
	hdr.ExtTID = uint8(w0>>8) & 0x1f
	hdr.PeerID = uint16(w0 >> 16)
	return hdr, nil
}

// Ordered-mode receive indications carry the per-MSDU FW rx descriptor
// bytes inline. The offsets below locate them within the message.
const (
	// RxIndHdrPrefixLen is the fixed prefix before the PPDU descriptor.
	RxIndHdrPrefixLen = 8
	// RxIndPPDUDescLen is the FW PPDU descriptor length.
	RxIndPPDUDescLen = 16
	// RxIndFWDescBytesOffset locates the dword holding the count of FW
	// rx descriptor bytes in an rx indication.
	RxIndFWDescBytesOffset = RxIndHdrPrefixLen + RxIndPPDUDescLen
	// RxIndFWDescPayloadOffset is the byte offset of the first FW rx
	// descriptor byte in an rx indication.
	RxIndFWDescPayloadOffset = RxIndFWDescBytesOffset + 4

	// RxFragIndHdrPrefixLen is the fixed prefix of a fragment
	// indication, which carries no PPDU descriptor.
	RxFragIndHdrPrefixLen = 8
	// RxFragIndFWDescBytesOffset locates the FW desc byte count dword
	// in a fragment indication.
	RxFragIndFWDescBytesOffset = RxFragIndHdrPrefixLen
	// RxFragIndFWDescPayloadOffset is the byte offset of the single FW
	// rx descriptor byte in a fragment indication.
	RxFragIndFWDescPayloadOffset = RxFragIndFWDescBytesOffset + 4
	// RxFragIndLen is the full fixed length of the fragment indication
	// prefix. HL fragment messages append the HL header, descriptor
	// and payload after it.
	RxFragIndLen = RxFragIndFWDescPayloadOffset + 4
)

// FWDescBytes returns the count of per-MSDU FW rx descriptor bytes
// carried by an ordered-mode rx indication, and the offset of the first
// one.
func FWDescBytes(msg []byte, frag bool) (count uint32, payloadOff int, err error) {
	off := RxIndFWDescBytesOffset
	payloadOff = RxIndFWDescPayloadOffset
	if frag {
		off = RxFragIndFWDescBytesOffset
		payloadOff = RxFragIndFWDescPayloadOffset
	}
	if len(msg) < off+4 {
		return 0, 0, errShortMsg
	}
	return binary.LittleEndian.Uint32(msg[off:]) & 0xffff, payloadOff, nil
}

// High latency indications append the rx descriptor to the message
// itself. Offsets are relative to the start of the indication.
const (
	// HLIndFlagOffset is the byte holding the HL per-MSDU flags.
	HLIndFlagOffset = 12
	// HLIndDescLenOffset is the byte holding the rx descriptor length
	// for this particular message.
	HLIndDescLenOffset = 13
	// HLIndDescOffset is where the HL rx descriptor starts.
	HLIndDescOffset = 16
	// HLIndBaseLen is the fixed HL indication header ahead of the
	// descriptor. Pops pull it so data points at the descriptor.
	HLIndBaseLen = HLIndDescOffset
)

// HL per-MSDU flag bits at HLIndFlagOffset.
const (
	HLFlagFirstMSDU = 1 << 0
	HLFlagLastMSDU  = 1 << 1
	HLFlagIPv6      = 1 << 2
	HLFlagTCP       = 1 << 3
	HLFlagUDP       = 1 << 4
	HLFlagC4Failed  = 1 << 5
)

// HLDescBaseLen is the byte length of the fixed part of the HL rx
// descriptor. Targets may append more; the per-message length byte at
// HLIndDescLenOffset is authoritative.
const HLDescBaseLen = 20

// HL rx descriptor word 0 fields.
const (
	HLDescSeqNumMask     = 0x0000_0fff
	HLDescSeqNumLSB      = 0
	HLDescEncryptedMask  = 0x0000_1000
	HLDescEncryptedLSB   = 12
	HLDescMcastBcastMask = 0x0000_2000
	HLDescMcastBcastLSB  = 13
	HLDescFragMask       = 0x0000_4000
	HLDescFragLSB        = 14
	HLDescKeyIDMask      = 0x007f_8000
	HLDescKeyIDLSB       = 15
)

// TIDInvalid is returned by accessors when the descriptor format does
// not carry a TID.
const TIDInvalid = 0xff

// RSSIInvalid marks descriptors that do not report per-MPDU RSSI.
const RSSIInvalid = -128
