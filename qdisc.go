package dumbbell

// qdisc.go defines the queue discipline interface devices transmit through,
// the statistics every discipline keeps, and the installers that attach
// disciplines to the bottleneck and access devices

import (
	"fmt"
	"io"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// QueueDisc is the root queue discipline of a device
type QueueDisc interface {
	// Enqueue accepts or drops the packet, returning true when it was queued
	Enqueue(pckt *Packet, now float64) bool

	// Dequeue returns the next packet to transmit, nil when empty
	Dequeue(now float64) *Packet

	// Len is the number of packets held
	Len() int

	// Bytes is the number of bytes held
	Bytes() int

	Stats() *QueueDiscStats
	Kind() string
}

// ReasonCount counts packets and bytes dropped or marked for one reason
type ReasonCount struct {
	Packets int `json:"packets" yaml:"packets"`
	Bytes   int `json:"bytes" yaml:"bytes"`
}

// QueueDiscStats accumulates what happened to the packets offered to a discipline
type QueueDiscStats struct {
	ReceivedPackets int `json:"receivedpackets" yaml:"receivedpackets"`
	ReceivedBytes   int `json:"receivedbytes" yaml:"receivedbytes"`
	EnqueuedPackets int `json:"enqueuedpackets" yaml:"enqueuedpackets"`
	EnqueuedBytes   int `json:"enqueuedbytes" yaml:"enqueuedbytes"`
	DequeuedPackets int `json:"dequeuedpackets" yaml:"dequeuedpackets"`
	DequeuedBytes   int `json:"dequeuedbytes" yaml:"dequeuedbytes"`
	DroppedPackets  int `json:"droppedpackets" yaml:"droppedpackets"`
	DroppedBytes    int `json:"droppedbytes" yaml:"droppedbytes"`
	MarkedPackets   int `json:"markedpackets" yaml:"markedpackets"`
	MarkedBytes     int `json:"markedbytes" yaml:"markedbytes"`

	// drops and marks broken down by reason
	Drops map[string]ReasonCount `json:"drops" yaml:"drops"`
	Marks map[string]ReasonCount `json:"marks" yaml:"marks"`
}

func createQueueDiscStats() *QueueDiscStats {
	qs := new(QueueDiscStats)
	qs.Drops = make(map[string]ReasonCount)
	qs.Marks = make(map[string]ReasonCount)
	return qs
}

// Drop reasons and mark reasons
const (
	UnforcedDrop      = "Unforced drop"
	ForcedDrop        = "Forced drop"
	UnforcedMark      = "Unforced mark"
	ForcedMark        = "Forced mark"
	InternalQueueDrop = "Dropped by internal queue"
	LimitExceededDrop = "Queue disc limit exceeded"
)

func (qs *QueueDiscStats) received(pckt *Packet) {
	qs.ReceivedPackets += 1
	qs.ReceivedBytes += pckt.Size
}

func (qs *QueueDiscStats) enqueued(pckt *Packet) {
	qs.EnqueuedPackets += 1
	qs.EnqueuedBytes += pckt.Size
}

func (qs *QueueDiscStats) dequeued(pckt *Packet) {
	qs.DequeuedPackets += 1
	qs.DequeuedBytes += pckt.Size
}

func (qs *QueueDiscStats) dropped(pckt *Packet, reason string) {
	qs.DroppedPackets += 1
	qs.DroppedBytes += pckt.Size
	rc := qs.Drops[reason]
	rc.Packets += 1
	rc.Bytes += pckt.Size
	qs.Drops[reason] = rc
}

func (qs *QueueDiscStats) marked(pckt *Packet, reason string) {
	qs.MarkedPackets += 1
	qs.MarkedBytes += pckt.Size
	rc := qs.Marks[reason]
	rc.Packets += 1
	rc.Bytes += pckt.Size
	qs.Marks[reason] = rc
}

// DropsFor returns the number of packets dropped for the given reason
func (qs *QueueDiscStats) DropsFor(reason string) int {
	return qs.Drops[reason].Packets
}

// MarksFor returns the number of packets marked for the given reason
func (qs *QueueDiscStats) MarksFor(reason string) int {
	return qs.Marks[reason].Packets
}

// Print writes the statistics in the layout of a traffic-control stats dump
func (qs *QueueDiscStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Packets/Bytes received: %d / %d\n", qs.ReceivedPackets, qs.ReceivedBytes)
	fmt.Fprintf(w, "Packets/Bytes enqueued: %d / %d\n", qs.EnqueuedPackets, qs.EnqueuedBytes)
	fmt.Fprintf(w, "Packets/Bytes dequeued: %d / %d\n", qs.DequeuedPackets, qs.DequeuedBytes)
	fmt.Fprintf(w, "Packets/Bytes dropped: %d / %d\n", qs.DroppedPackets, qs.DroppedBytes)

	reasons := maps.Keys(qs.Drops)
	slices.Sort(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "  %s: %d / %d\n", reason, qs.Drops[reason].Packets, qs.Drops[reason].Bytes)
	}

	fmt.Fprintf(w, "Packets/Bytes marked: %d / %d\n", qs.MarkedPackets, qs.MarkedBytes)
	reasons = maps.Keys(qs.Marks)
	slices.Sort(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "  %s: %d / %d\n", reason, qs.Marks[reason].Packets, qs.Marks[reason].Bytes)
	}
}

// packetFifo is a drop-tail queue of packets bounded by a packet count
type packetFifo struct {
	pckts []*Packet
	bytes int
	limit int
}

func createPacketFifo(limit int) *packetFifo {
	pf := new(packetFifo)
	pf.pckts = make([]*Packet, 0)
	pf.limit = limit
	return pf
}

// push appends the packet, returning false when the queue is full
func (pf *packetFifo) push(pckt *Packet) bool {
	if len(pf.pckts) >= pf.limit {
		return false
	}
	pf.pckts = append(pf.pckts, pckt)
	pf.bytes += pckt.Size
	return true
}

func (pf *packetFifo) pop() *Packet {
	if len(pf.pckts) == 0 {
		return nil
	}
	pckt := pf.pckts[0]
	pf.pckts[0] = nil
	pf.pckts = pf.pckts[1:]
	pf.bytes -= pckt.Size
	return pckt
}

func (pf *packetFifo) len() int {
	return len(pf.pckts)
}

// InstallBottleneck attaches a RED discipline built from rp to each device of the
// bottleneck link.  Index 0 of the result holds the discipline of the link's first device
func InstallBottleneck(lnk *Link, rp RedParams) ([]*RedQueueDisc, error) {
	if lnk.class != BottleneckLink {
		return nil, fmt.Errorf("link %d is not the bottleneck", lnk.id)
	}
	rtn := make([]*RedQueueDisc, 0, 2)
	for _, dev := range lnk.devs {
		if dev.qdisc != nil {
			return nil, fmt.Errorf("device %s already has a %s root discipline", dev, dev.qdisc.Kind())
		}
		red, err := CreateRedQueueDisc(fmt.Sprintf("red-%s-%d", dev.node.name, dev.index), rp)
		if err != nil {
			return nil, err
		}
		dev.qdisc = red
		rtn = append(rtn, red)
	}
	return rtn, nil
}

// InstallAccessQueues attaches a pfifo_fast discipline with bands of limit packets
// to each of the devices
func InstallAccessQueues(devs []*NetDevice, limit int) ([]*PfifoFastQueueDisc, error) {
	rtn := make([]*PfifoFastQueueDisc, 0, len(devs))
	for _, dev := range devs {
		if dev.qdisc != nil {
			return nil, fmt.Errorf("device %s already has a %s root discipline", dev, dev.qdisc.Kind())
		}
		pf := CreatePfifoFastQueueDisc(limit)
		dev.qdisc = pf
		rtn = append(rtn, pf)
	}
	return rtn, nil
}

// DefaultQueueLimit is the band depth of the discipline devices get when none was installed
const DefaultQueueLimit = 1000

// installDefaultQueue gives dev the default pfifo_fast discipline if it has no root discipline
func installDefaultQueue(dev *NetDevice) {
	if dev.qdisc == nil {
		dev.qdisc = CreatePfifoFastQueueDisc(DefaultQueueLimit)
	}
}
