package dumbbell

import (
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestEncodeHeaders(t *testing.T) {
	pckt := &Packet{
		uid:     7,
		Src:     netip.MustParseAddr("10.1.1.1"),
		Dst:     netip.MustParseAddr("10.4.1.2"),
		SrcPort: 49153,
		DstPort: 50000,
		Seq:     2896,
		Payload: 1448,
		Size:    1448 + tcpHeaderBytes,
		Ect:     true,
		Ce:      true,
		Cwr:     true,
		TsVal:   0.5,
	}
	data, err := encodeHeaders(pckt)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != tcpHeaderBytes {
		t.Fatalf("%d header bytes", len(data))
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatal("no IPv4 layer decoded")
	}
	if ip.TOS&0x3 != 0x3 || ip.Length != uint16(pckt.Size) || ip.SrcIP.String() != "10.1.1.1" {
		t.Errorf("ip header %+v", ip)
	}
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatal("no TCP layer decoded")
	}
	if tcp.Seq != 2896 || !tcp.CWR || tcp.ECE || tcp.DstPort != 50000 {
		t.Errorf("tcp header %+v", tcp)
	}

	pckt.Ce = false
	data, err = encodeHeaders(pckt)
	if err != nil {
		t.Fatal(err)
	}
	if data[1]&0x3 != 0x2 {
		t.Errorf("ECT(0) packet has TOS %#x", data[1])
	}
}

func TestPcapWriterCapture(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "s-10-0.pcap")
	pw, err := CreatePcapWriter(filename)
	if err != nil {
		t.Fatal(err)
	}
	src := netip.MustParseAddr("172.16.1.1")
	dst := netip.MustParseAddr("172.16.1.2")
	for idx := 0; idx < 3; idx++ {
		pckt := &Packet{uid: idx, Src: src, Dst: dst, Seq: int64(idx * 1448), Payload: 1448, Size: 1500}
		pw.Capture(0.001*float64(idx+1), nil, pckt, true)
	}
	if pw.Packets() != 3 {
		t.Errorf("%d packets written", pw.Packets())
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rd, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	if rd.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type %v", rd.LinkType())
	}
	count := 0
	for {
		data, ci, err := rd.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ci.Length != 1500 || ci.CaptureLength != len(data) || len(data) != tcpHeaderBytes {
			t.Errorf("record %d: %+v", count, ci)
		}
		count += 1
	}
	if count != 3 {
		t.Errorf("%d records read", count)
	}
}
