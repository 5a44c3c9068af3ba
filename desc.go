package htt

import (
	"github.com/soypat/htt/wire"
)

// descOps is the descriptor accessor strategy, bound once at
// construction rather than branched per packet. Low latency targets
// read the hardware struct prepended to each buffer's payload; high
// latency targets read the region the firmware embeds in the
// indication message itself.
type descOps interface {
	seqNum(desc []byte) uint16
	retry(desc []byte) bool
	pn(desc []byte, bits int) [2]uint64
	tid(desc []byte) uint8
	encrypted(desc []byte) bool
	keyID(desc []byte) (uint8, bool)
	firstMSDU(desc []byte) bool
	completesMPDU(desc []byte) bool
	isFrag(desc []byte) bool
	isMcast(desc []byte) bool
	hasMcastFlag(desc []byte) bool
	tsf32(desc []byte) uint32
	rssiDBm(desc []byte) int16
	chanInfo(desc []byte) (primaryMHz, contig1MHz, contig2MHz uint16, phyMode uint8, ok bool)
}

// llDesc decodes the fixed hardware descriptor at the front of each
// receive buffer. desc arguments are the region MSDUDescRetrieve
// returns and must be at least wire.RxDescSize bytes.
type llDesc struct{}

func (llDesc) seqNum(desc []byte) uint16 { return wire.RxDesc(desc).SeqNum() }
func (llDesc) retry(desc []byte) bool    { return wire.RxDesc(desc).Retry() }

func (llDesc) pn(desc []byte, bits int) [2]uint64 {
	return wire.RxDesc(desc).PN(bits)
}

func (llDesc) tid(desc []byte) uint8      { return wire.RxDesc(desc).TID() }
func (llDesc) encrypted(desc []byte) bool { return wire.RxDesc(desc).Encrypted() }

func (llDesc) keyID(desc []byte) (uint8, bool) {
	return wire.RxDesc(desc).KeyID()
}

func (llDesc) firstMSDU(desc []byte) bool     { return wire.RxDesc(desc).FirstMSDU() }
func (llDesc) completesMPDU(desc []byte) bool { return wire.RxDesc(desc).LastMSDU() }

func (llDesc) isFrag(desc []byte) bool {
	return wire.RxDesc(desc).AttnFlags()&wire.AttnFragment != 0
}

func (llDesc) isMcast(desc []byte) bool {
	return wire.RxDesc(desc).AttnFlags()&wire.AttnMcastBcast != 0
}

func (llDesc) hasMcastFlag([]byte) bool { return true }

// The low latency descriptor carries no TSF, RSSI or channel fields;
// those ride in separate management messages.
func (llDesc) tsf32([]byte) uint32  { return 0 }
func (llDesc) rssiDBm([]byte) int16 { return wire.RSSIInvalid }

func (llDesc) chanInfo([]byte) (uint16, uint16, uint16, uint8, bool) {
	return 0, 0, 0, 0, false
}

// Per-descriptor accessors, dispatched through the strategy chosen at
// construction. For low latency targets desc is the buffer descriptor
// region; for high latency targets it is the indication message.

// MPDUDescSeqNum returns the 802.11 sequence number of the MPDU.
// reference: htt_rx_mpdu_desc_seq_num
func (d *Device) MPDUDescSeqNum(desc []byte) uint16 { return d.desc.seqNum(desc) }

// MPDUDescRetry reports the retransmission bit.
// reference: htt_rx_mpdu_desc_retry
func (d *Device) MPDUDescRetry(desc []byte) bool { return d.desc.retry(desc) }

// MPDUDescPN assembles the packet number for the given width in bits
// (24, 48 or 128). Unused high words are zero.
// reference: htt_rx_mpdu_desc_pn
func (d *Device) MPDUDescPN(desc []byte, bits int) [2]uint64 { return d.desc.pn(desc, bits) }

// MPDUDescTID returns the receive traffic class, or wire.TIDInvalid
// when the descriptor format does not carry one.
// reference: htt_rx_mpdu_desc_tid
func (d *Device) MPDUDescTID(desc []byte) uint8 { return d.desc.tid(desc) }

// MPDUIsEncrypted reports whether the MPDU was received protected.
// reference: htt_rx_mpdu_is_encrypted
func (d *Device) MPDUIsEncrypted(desc []byte) bool { return d.desc.encrypted(desc) }

// MSDUDescKeyID returns the security key index the frame was decrypted
// with. ok is false when the descriptor does not carry one, which
// includes every non-first MSDU of an A-MSDU.
// reference: htt_rx_msdu_desc_key_id
func (d *Device) MSDUDescKeyID(desc []byte) (id uint8, ok bool) { return d.desc.keyID(desc) }

// MSDUFirstMSDUFlag reports whether this MSDU opens its MPDU.
// reference: htt_rx_msdu_first_msdu_flag
func (d *Device) MSDUFirstMSDUFlag(desc []byte) bool { return d.desc.firstMSDU(desc) }

// MSDUDescCompletesMPDU reports whether this MSDU closes its MPDU.
// reference: htt_rx_msdu_desc_completes_mpdu
func (d *Device) MSDUDescCompletesMPDU(desc []byte) bool { return d.desc.completesMPDU(desc) }

// MSDUIsFrag reports whether the frame is an 802.11 fragment.
// reference: htt_rx_msdu_is_frag
func (d *Device) MSDUIsFrag(desc []byte) bool { return d.desc.isFrag(desc) }

// MSDUIsWLANMcast reports whether the frame was multicast or broadcast
// over the air. Only meaningful when MSDUHasWLANMcastFlag is true.
// reference: htt_rx_msdu_is_wlan_mcast
func (d *Device) MSDUIsWLANMcast(desc []byte) bool { return d.desc.isMcast(desc) }

// MSDUHasWLANMcastFlag reports whether the descriptor carries a valid
// multicast flag at all.
// reference: htt_rx_msdu_has_wlan_mcast_flag
func (d *Device) MSDUHasWLANMcastFlag(desc []byte) bool { return d.desc.hasMcastFlag(desc) }

// MPDUDescTSF32 returns the low 32 bits of the MAC timer captured at
// reception, zero when the format does not carry it.
// reference: htt_rx_mpdu_desc_tsf32
func (d *Device) MPDUDescTSF32(desc []byte) uint32 { return d.desc.tsf32(desc) }

// MPDUDescRSSIdBm returns the combined receive signal strength, or
// wire.RSSIInvalid when the format does not report it.
// reference: htt_rx_mpdu_desc_rssi_dbm
func (d *Device) MPDUDescRSSIdBm(desc []byte) int16 { return d.desc.rssiDBm(desc) }

// MSDUChanInfoPresent decodes the receive channel center frequencies
// and PHY mode when the descriptor carries them.
// reference: htt_rx_msdu_center_freq
func (d *Device) MSDUChanInfoPresent(desc []byte) (primaryMHz, contig1MHz, contig2MHz uint16, phyMode uint8, ok bool) {
	return d.desc.chanInfo(desc)
}
