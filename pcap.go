package dumbbell

// pcap.go records the packets crossing a device in a pcap file.  Only the
// IPv4 and TCP headers are captured; the original length is kept in the record

import (
	"bufio"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 128

// PcapWriter writes captured packets to one file
type PcapWriter struct {
	Filename string
	file     *os.File
	buf      *bufio.Writer
	w        *pcapgo.Writer
	packets  int
	failed   bool
}

// CreatePcapWriter creates the file and writes the pcap file header
func CreatePcapWriter(filename string) (*PcapWriter, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	pw := new(PcapWriter)
	pw.Filename = filename
	pw.file = f
	pw.buf = bufio.NewWriter(f)
	pw.w = pcapgo.NewWriter(pw.buf)
	if err := pw.w.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, err
	}
	return pw, nil
}

// Packets returns the number of packets written
func (pw *PcapWriter) Packets() int {
	return pw.packets
}

// ecnCodepoint returns the two ECN bits of the IPv4 TOS byte
func ecnCodepoint(pckt *Packet) uint8 {
	switch {
	case pckt.Ce:
		return 0x3
	case pckt.Ect:
		return 0x2
	}
	return 0x0
}

// encodeHeaders serializes the IPv4 and TCP headers of the packet, timestamp option included
func encodeHeaders(pckt *Packet) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      ecnCodepoint(pckt),
		Length:   uint16(pckt.Size),
		Id:       uint16(pckt.uid),
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(pckt.Src.AsSlice()),
		DstIP:    net.IP(pckt.Dst.AsSlice()),
	}

	tsOpt := make([]byte, 8)
	putTsField(tsOpt[:4], pckt.TsVal)
	putTsField(tsOpt[4:], pckt.TsEcr)

	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(pckt.SrcPort),
		DstPort:    layers.TCPPort(pckt.DstPort),
		Seq:        uint32(pckt.Seq),
		Ack:        uint32(pckt.Ack),
		DataOffset: 8,
		SYN:        pckt.Syn,
		ACK:        pckt.IsAck,
		ECE:        pckt.Ece,
		CWR:        pckt.Cwr,
		Window:     65535,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: tsOpt},
		},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, ip, tcp); err != nil {
		return nil, err
	}
	return sb.Bytes(), nil
}

// putTsField writes a virtual time as a microsecond timestamp value
func putTsField(b []byte, seconds float64) {
	v := uint32(int64(seconds*1e6) & 0xffffffff)
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Capture is a PacketSniffer.  After the first write failure the writer stops recording
func (pw *PcapWriter) Capture(now float64, dev *NetDevice, pckt *Packet, outbound bool) {
	if pw.failed || pw.w == nil {
		return
	}
	data, err := encodeHeaders(pckt)
	if err != nil {
		pw.failed = true
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 0).Add(time.Duration(now * float64(time.Second))),
		CaptureLength: len(data),
		Length:        pckt.Size,
	}
	if err := pw.w.WritePacket(ci, data); err != nil {
		pw.failed = true
		return
	}
	pw.packets += 1
}

// Close flushes and closes the file
func (pw *PcapWriter) Close() error {
	if pw.w == nil {
		return nil
	}
	ferr := pw.buf.Flush()
	cerr := pw.file.Close()
	pw.w = nil
	return ReportErrs([]error{ferr, cerr})
}
