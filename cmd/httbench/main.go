package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/soypat/htt"
	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"
	"gopkg.in/yaml.v3"
)

// httbench drives a Device with a simulated firmware: it writes frames
// into posted ring buffers through the device visible arena view and
// feeds the matching indication messages to HandleIndication, so the
// whole pop, deliver and replenish path runs at full speed with no
// hardware attached. Optional cadences mark every Nth frame as a FW
// discard or a MIC failure to exercise the drop paths.

type Config struct {
	Ring struct {
		ThroughputMbps int  `yaml:"throughput-mbps"`
		LatencyMaxMs   int  `yaml:"latency-max-ms"`
		LatencyLikeMs  int  `yaml:"latency-likely-ms"`
		FullReorder    bool `yaml:"full-reorder"`
	} `yaml:"ring"`

	Arena struct {
		Slots int    `yaml:"slots"`
		Base  uint64 `yaml:"base"`
	} `yaml:"arena"`

	Count    uint64 `yaml:"count"`
	MSDUSize int    `yaml:"msdu-size"`
	Burst    int    `yaml:"burst"`

	// Error injection: mark every Nth frame. Zero disables.
	DiscardEvery uint64 `yaml:"discard-every"`
	MICEvery     uint64 `yaml:"mic-every"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "httbench.yaml", "path to config YAML file")
	fMbps := flag.Int("mbps", 0, "rated throughput")
	fReorder := flag.Bool("reorder", false, "full reorder target (address based indications)")
	fCount := flag.Uint64("n", 0, "frame count")
	fMSDUSize := flag.Int("l", 0, "msdu size")
	fBurst := flag.Int("b", 0, "msdus per indication")
	fSlots := flag.Int("slots", 0, "arena slot count")
	fDiscard := flag.Uint64("discard-every", 0, "mark every Nth frame FW-discard")
	fMIC := flag.Uint64("mic-every", 0, "fail MIC on every Nth frame (reorder only)")

	flag.Parse()

	var conf Config
	b, err := os.ReadFile(*fConfig)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && *fConfig == "httbench.yaml":
		// Default config file is optional; flags carry the run.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fMbps != 0 {
		conf.Ring.ThroughputMbps = *fMbps
	}
	if *fReorder {
		conf.Ring.FullReorder = true
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fMSDUSize != 0 {
		conf.MSDUSize = *fMSDUSize
	}
	if *fBurst != 0 {
		conf.Burst = *fBurst
	}
	if *fSlots != 0 {
		conf.Arena.Slots = *fSlots
	}
	if *fDiscard != 0 {
		conf.DiscardEvery = *fDiscard
	}
	if *fMIC != 0 {
		conf.MICEvery = *fMIC
	}

	// Defaults and validation.
	if conf.Arena.Slots == 0 {
		conf.Arena.Slots = 2176
	}
	if conf.Arena.Base == 0 {
		conf.Arena.Base = 0x2000_0000
	}
	if conf.Count == 0 {
		conf.Count = 1_000_000
	}
	if conf.MSDUSize == 0 {
		conf.MSDUSize = 1500
	}
	if conf.Burst == 0 {
		conf.Burst = 32
	}
	if conf.MSDUSize < 64 || conf.MSDUSize > wire.BufSize-wire.DescReservation {
		return nil, fmt.Errorf("msdu-size must be between 64 and %d", wire.BufSize-wire.DescReservation)
	}
	if conf.Burst < 1 || conf.Burst > 255 {
		return nil, errors.New("burst must be between 1-255")
	}
	if conf.MICEvery != 0 && !conf.Ring.FullReorder {
		return nil, errors.New("mic-every requires full-reorder mode")
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// firmware is the target stand-in. It owns a read cursor over the
// shared ring and fabricates complete MSDUs in the buffers the host
// posted.
type firmware struct {
	dev          *htt.Device
	pool         *nbuf.ArenaPool
	cursor       uint32
	mask         uint32
	reorder      bool
	seq          uint32
	count        uint64 // frames indicated so far
	discardEvery uint64
	micEvery     uint64
}

func (fw *firmware) writeMSDU(slot uint32, size int, mic bool) (paddr uint64) {
	paddr = fw.dev.PostedPaddr(slot)
	buf := fw.pool.BufferAt(wire.PaddrUntag(paddr))
	if buf == nil {
		fatalIf(errors.New("no buffer"), "resolving posted paddr %#x", paddr)
	}
	attn := uint32(wire.AttnMSDUDone)
	if mic {
		attn |= wire.AttnTKIPMICErr
	}
	desc := wire.RxDesc(buf.Raw()[:wire.RxDescSize])
	desc.SetAttnFlags(attn)
	desc.SetMSDULen(size)
	desc.SetMSDUChained(0)
	desc.SetMSDUEndFlags(true, true)
	desc.SetL3HeaderPadding(0)
	desc.SetFlowFlags(false, false, true, false)
	binary.LittleEndian.PutUint32(buf.Raw()[wire.RxDescSize:], fw.seq)
	fw.seq++
	return paddr
}

// dispose picks the FW descriptor byte and MIC fault for the next frame
// per the configured injection cadences.
func (fw *firmware) dispose() (fwdesc uint8, mic bool) {
	fw.count++
	fwdesc = wire.FWDescForward
	if fw.discardEvery != 0 && fw.count%fw.discardEvery == 0 {
		fwdesc = wire.FWDescDiscard
	}
	mic = fw.micEvery != 0 && fw.count%fw.micEvery == 0
	return fwdesc, mic
}

// indicate produces one burst of MSDUs and the indication describing
// them.
func (fw *firmware) indicate(burst, size int) []byte {
	if !fw.reorder {
		fwdescs := make([]byte, burst)
		for i := range fwdescs {
			fwdesc, _ := fw.dispose()
			fw.writeMSDU((fw.cursor+uint32(i))&fw.mask, size, false)
			fwdescs[i] = fwdesc
		}
		fw.cursor = (fw.cursor + uint32(burst)) & fw.mask
		fw.dev.FirmwareConsume(burst)
		msg := make([]byte, wire.RxIndFWDescPayloadOffset+len(fwdescs))
		msg[0] = byte(wire.MsgTypeRxInd)
		binary.LittleEndian.PutUint32(msg[wire.RxIndFWDescBytesOffset:], uint32(len(fwdescs)))
		copy(msg[wire.RxIndFWDescPayloadOffset:], fwdescs)
		return msg
	}
	hdr := wire.InOrdIndHdr{PeerID: 1, MSDUCount: uint16(burst)}
	msg := make([]byte, wire.InOrdIndMSDUOffset+burst*wire.MSDURecordLen)
	hdr.Put(msg)
	for i := 0; i < burst; i++ {
		fwdesc, mic := fw.dispose()
		paddr := fw.writeMSDU((fw.cursor+uint32(i))&fw.mask, size, mic)
		rec := wire.MSDURecord{Paddr: paddr, Len: uint16(size), FWDesc: fwdesc}
		rec.Put(msg[wire.InOrdIndMSDUOffset+i*wire.MSDURecordLen:])
	}
	fw.cursor = (fw.cursor + uint32(burst)) & fw.mask
	fw.dev.FirmwareConsume(burst)
	return msg
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	pool, err := nbuf.NewArenaPool(nbuf.ArenaConfig{
		Slots:    conf.Arena.Slots,
		SlotSize: wire.BufSize,
		Base:     conf.Arena.Base,
	})
	fatalIf(err, "creating arena")
	dev, err := htt.New(htt.Config{
		Pool:                     pool,
		FullReorder:              conf.Ring.FullReorder,
		MaxThroughputMbps:        conf.Ring.ThroughputMbps,
		HostLatencyMaxMs:         conf.Ring.LatencyMaxMs,
		HostLatencyWorstLikelyMs: conf.Ring.LatencyLikeMs,
	})
	fatalIf(err, "attaching device")
	defer dev.Close()
	if dev.FillCount() < dev.FillLevel() {
		fatalIf(errors.New("arena smaller than ring fill level"),
			"slots=%d fill=%d", conf.Arena.Slots, dev.FillLevel())
	}
	if conf.Burst > dev.FillLevel() {
		fatalIf(errors.New("burst exceeds fill level"), "burst=%d fill=%d",
			conf.Burst, dev.FillLevel())
	}
	fmt.Fprintf(os.Stderr, "ring size=%d fill=%d reorder=%t\n",
		dev.RingSize(), dev.FillLevel(), conf.Ring.FullReorder)

	var rxPackets, rxBytes atomic.Uint64
	dev.RecvEthHandle(func(pkt []byte) error {
		rxPackets.Add(1)
		rxBytes.Add(uint64(len(pkt)))
		return nil
	})

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		var lastPkts, lastBytes uint64
		lastTime := time.Now()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now
			pkts, bytes := rxPackets.Load(), rxBytes.Load()
			pps := uint64(float64(pkts-lastPkts) / dt)
			mbps := float64(bytes-lastBytes) * 8 / 1e6 / dt
			lastPkts, lastBytes = pkts, bytes
			fmt.Printf("RX=%d RX-PPS=%d RX-Mbps=%.1f fill=%d/%d\n",
				pkts, pps, mbps, dev.FillCount(), dev.FillLevel())
		}
	}()

	fw := &firmware{
		dev:          dev,
		pool:         pool,
		mask:         uint32(dev.RingSize() - 1),
		reorder:      conf.Ring.FullReorder,
		discardEvery: conf.DiscardEvery,
		micEvery:     conf.MICEvery,
	}
	start := time.Now()
	for fw.count < conf.Count {
		burst := conf.Burst
		if remaining := conf.Count - fw.count; uint64(burst) > remaining {
			burst = int(remaining)
		}
		msg := fw.indicate(burst, conf.MSDUSize)
		fatalIf(dev.HandleIndication(msg), "handling indication")
	}
	elapsed := time.Since(start).Seconds()
	close(done)

	pkts, bytes := rxPackets.Load(), rxBytes.Load()
	stats := dev.Stats()

	fmt.Print("\nFINAL REPORT\n")
	fmt.Printf(" Elapsed:       %.3f s\n", elapsed)
	fmt.Printf(" Indicated:     %s frames\n", humanize.Comma(int64(fw.count)))
	fmt.Printf(" RX:            %s packets, %s\n",
		humanize.Comma(int64(pkts)), humanize.Bytes(bytes))
	fmt.Printf(" RX Avg PPS:    %s\n", humanize.Comma(int64(float64(pkts)/elapsed)))
	fmt.Printf(" RX Avg rate:   %.1f Mbps\n", float64(bytes*8)/1e6/elapsed)
	if stats.FWDiscards != 0 || stats.MICErr != 0 {
		fmt.Printf(" Dropped:       %s discarded, %s MIC failures\n",
			humanize.Comma(int64(stats.FWDiscards)), humanize.Comma(int64(stats.MICErr)))
	}
	fmt.Printf(" Device:        %s\n", stats.String())
	if stats.Desync != 0 || stats.PopFail != 0 || stats.DeliverErr != 0 {
		fatalIf(errors.New("receive path reported errors"), "stats %+v", stats)
	}
	// Every indicated frame must be accounted for: delivered, FW
	// discard, or MIC splice.
	if total := uint64(stats.Delivered) + uint64(stats.FWDiscards) + uint64(stats.MICErr); total != fw.count {
		fatalIf(errors.New("frame accounting mismatch"),
			"indicated=%d delivered=%d discard=%d mic=%d", fw.count,
			stats.Delivered, stats.FWDiscards, stats.MICErr)
	}
}
