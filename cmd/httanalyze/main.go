package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/soypat/htt/wire"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

// Optional flags.
var (
	timingsOutput string
)

type MsgCtl struct {
	// Bus ordering of the interconnect capture.
	Order binary.ByteOrder
	// Bytes of bus framing before the HTT message in each transaction.
	SkipBytes  uint
	TrimForce  uint
	OmitData   bool
	OnlyType   string
	OmitIndENA bool
}

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "httanalyze - Process binary Saleae digital data files corresponding to target-to-host HTT message transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdio := flag.String("f-sd", "digital_1.bin", "Input filename: SPI SDO/SDI data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI CLK data.")
	output := flag.String("o-msg", "messages.txt", "Output filename of decoded HTT indications.")

	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output message history line-by-line.")
	flagOrder := flag.String("order", "le", "Bus byte ordering. Accepts 'be' or 'le'.")
	flagSkip := flag.Uint("skip", 0, "Bytes of bus framing to skip at the start of each transaction before the HTT header.")
	flagTrimForce := flag.Uint("trim-force", 0, "Trims n bytes off the end of every message.")
	omitData := flag.Bool("omit-data", false, "Choose to omit raw message bytes in output.")
	onlyType := flag.String("only", "", "Only output messages of this type, e.g. 'rx_ind' or 'rx_in_ord_paddr_ind'.")
	flag.Parse()
	getOrder := func(s string) binary.ByteOrder {
		switch s {
		case "be":
			return binary.BigEndian
		case "le":
			return binary.LittleEndian
		}
		log.Fatal("invalid ordering", s)
		return nil
	}
	MSG := MsgCtl{
		Order:     getOrder(*flagOrder),
		SkipBytes: *flagSkip,
		TrimForce: *flagTrimForce,
		OmitData:  *omitData,
		OnlyType:  *onlyType,
	}
	start := time.Now()
	if err := MSG.run(*sdio, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (mc *MsgCtl) run(sdio, enable, clk, output string) error {
	const fmtMsg = "msg×%2d %s"
	msgs, err := mc.processSpiFiles(sdio, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		log.Println("creating timings file", timingsOutput)
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}

	for _, msg := range msgs {
		if mc.OnlyType != "" && wire.GetMsgType(msg.Data).String() != mc.OnlyType {
			continue
		}
		_, err = fmt.Fprintf(fp, fmtMsg, msg.Num, mc.describe(msg.Data))
		if err != nil {
			return err
		}
		if !mc.OmitData {
			fmt.Fprintf(fp, " data=%#x", msg.Data)
		}
		fmt.Fprintln(fp)
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tdata=%#x\n", msg.Start, msg.Data)
		}
	}
	return nil
}

func (mc *MsgCtl) processSpiFiles(fsdio, fclk, fenable string) ([]httmsg, error) {
	sdio, err := opendigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	return mc.process(txs), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

type httmsg struct {
	Num   int
	Data  []byte
	Start float64
}

// MsgFromBytes strips bus framing off one captured transaction and
// returns the HTT message bytes.
func (mc *MsgCtl) MsgFromBytes(b []byte) []byte {
	if uint(len(b)) <= mc.SkipBytes {
		return nil
	}
	b = b[mc.SkipBytes:]
	if mc.TrimForce > 0 {
		b = b[:max(0, len(b)-int(mc.TrimForce))]
	}
	return b
}

func (mc *MsgCtl) process(txs []analyzers.TxSPI) (msgs []httmsg) {
	var accumulativeResults int = 1
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		data := mc.MsgFromBytes(tx.SDO)
		if data == nil {
			continue
		}
		for j := i + 1; j < len(txs); j++ {
			nextdata := mc.MsgFromBytes(txs[j].SDO)
			if !bytes.Equal(data, nextdata) {
				break
			}
			accumulativeResults++
			i = j
		}
		msgs = append(msgs, httmsg{
			Num:   accumulativeResults,
			Data:  data,
			Start: tx.StartTime(),
		})
		accumulativeResults = 1
	}
	return msgs
}

// describe renders the decoded fields of one target-to-host message.
func (mc *MsgCtl) describe(msg []byte) string {
	mt := wire.GetMsgType(msg)
	var b strings.Builder
	fmt.Fprintf(&b, "type=%-20s len=%4d", mt.String(), len(msg))
	switch mt {
	case wire.MsgTypeRxInd, wire.MsgTypeRxFragInd:
		count, off, err := wire.FWDescBytes(msg, mt == wire.MsgTypeRxFragInd)
		if err != nil {
			fmt.Fprintf(&b, "  short=%v", err)
			break
		}
		fmt.Fprintf(&b, "  fwdescs=%d", count)
		end := off + int(count)
		if end > len(msg) {
			end = len(msg)
		}
		for _, fw := range msg[off:end] {
			b.WriteByte(' ')
			b.WriteString(fwdescString(fw))
		}
	case wire.MsgTypeRxInOrdPaddrInd:
		hdr, err := wire.DecodeInOrdIndHdr(msg)
		if err != nil {
			fmt.Fprintf(&b, "  short=%v", err)
			break
		}
		fmt.Fprintf(&b, "  peer=%d tid=%d msdus=%d offload=%v frag=%v",
			hdr.PeerID, hdr.ExtTID, hdr.MSDUCount, hdr.Offload, hdr.Frag)
		off := wire.InOrdIndMSDUOffset
		for i := 0; i < int(hdr.MSDUCount); i++ {
			rec, err := wire.DecodeMSDURecord(msg[off:])
			if err != nil {
				fmt.Fprintf(&b, " %v", err)
				break
			}
			fmt.Fprintf(&b, "\n\tpaddr=%#011x len=%4d fw=%s",
				wire.PaddrUntag(rec.Paddr), rec.Len, fwdescString(rec.FWDesc))
			off += wire.MSDURecordLen
		}
	case wire.MsgTypeOffloadDeliverInd:
		off := 4
		for n := 1; off+wire.OffloadMSDUHdrLen <= len(msg); n++ {
			hdr, err := wire.DecodeOffloadMSDUHdr(msg[off:])
			if err != nil {
				break
			}
			fmt.Fprintf(&b, "\n\tmsdu=%d peer=%d vdev=%d tid=%d len=%d fw=%s",
				n, hdr.PeerID, hdr.VdevID, hdr.TID, hdr.Len, fwdescString(hdr.FWDesc))
			off += wire.OffloadMSDUHdrLen + int(hdr.Len)
		}
	}
	return b.String()
}

// fwdescString renders a FW rx descriptor byte as flag letters:
// Discard, fOrward, Err, Inspect, eXtension.
func fwdescString(fw byte) string {
	s := [5]byte{'-', '-', '-', '-', '-'}
	if fw&wire.FWDescDiscard != 0 {
		s[0] = 'D'
	}
	if fw&wire.FWDescForward != 0 {
		s[1] = 'O'
	}
	if fw&wire.FWDescAnyErr != 0 {
		s[2] = 'E'
	}
	if fw&wire.FWDescInspect != 0 {
		s[3] = 'I'
	}
	if fw&wire.FWDescExt != 0 {
		s[4] = 'X'
	}
	return string(s[:])
}
