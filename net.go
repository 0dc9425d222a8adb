package dumbbell

// net.go holds the packet-level network the experiments run over: nodes, the
// devices (interfaces) they hold, the point-to-point links joining devices,
// and the event handlers that move a packet from one device to the next.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// NodeRole codes the function a node plays in the dumbbell
type NodeRole int

const (
	RoleClientA NodeRole = iota
	RoleClientB
	RoleReceiver
	RoleSwitch
)

func (nr NodeRole) String() string {
	switch nr {
	case RoleClientA:
		return "client-group-A"
	case RoleClientB:
		return "client-group-B"
	case RoleReceiver:
		return "receiver"
	case RoleSwitch:
		return "switch"
	}
	return fmt.Sprintf("NodeRole(%d)", int(nr))
}

// LinkClass distinguishes the one bottleneck from the access links
type LinkClass int

const (
	AccessLink LinkClass = iota
	BottleneckLink
)

func (lc LinkClass) String() string {
	if lc == BottleneckLink {
		return "bottleneck"
	}
	return "access"
}

// Packet is an IPv4/TCP packet in flight.  Sequence numbers count payload bytes.
type Packet struct {
	uid     int
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16

	Seq     int64 // first payload byte carried
	Ack     int64 // next byte expected, on packets with IsAck set
	Payload int   // payload bytes
	Size    int   // bytes on the wire, headers included

	Syn   bool
	IsAck bool

	// selects the pfifo_fast band
	Priority uint8

	// ECN codepoints and TCP flags
	Ect bool
	Ce  bool
	Ece bool
	Cwr bool

	// timestamp option, in seconds of virtual time
	TsVal float64
	TsEcr float64
}

// PacketSniffer observes every packet a device transmits or receives
type PacketSniffer func(now float64, dev *NetDevice, pckt *Packet, outbound bool)

// NetDevice is a point-to-point interface.  Packets offered for transmission pass
// through the root queue discipline and are serialized at the link rate
type NetDevice struct {
	node   *Node
	index  int          // position in the node's device list
	link   *Link        // link the device is attached to
	peer   *NetDevice   // device at the other end of the link
	addr   netip.Addr   // assigned when addresses are assigned
	prefix netip.Prefix // network the address belongs to
	qdisc  QueueDisc    // root queue discipline

	busy     bool // a packet is being serialized
	sniffers []PacketSniffer

	txPackets int
	rxPackets int
	noQdisc   int // packets sent before any discipline was installed
}

// Node returns the node holding the device
func (dev *NetDevice) Node() *Node {
	return dev.node
}

// Index returns the position of the device on its node
func (dev *NetDevice) Index() int {
	return dev.index
}

// Addr returns the IPv4 address of the device, invalid before assignment
func (dev *NetDevice) Addr() netip.Addr {
	return dev.addr
}

// Prefix returns the network the device address belongs to
func (dev *NetDevice) Prefix() netip.Prefix {
	return dev.prefix
}

// Peer returns the device on the other end of the link
func (dev *NetDevice) Peer() *NetDevice {
	return dev.peer
}

// Link returns the link the device is attached to
func (dev *NetDevice) Link() *Link {
	return dev.link
}

// QueueDisc returns the root queue discipline of the device, nil if none is installed
func (dev *NetDevice) QueueDisc() QueueDisc {
	return dev.qdisc
}

// AddSniffer registers a function called on every transmission and reception
func (dev *NetDevice) AddSniffer(sniffer PacketSniffer) {
	dev.sniffers = append(dev.sniffers, sniffer)
}

func (dev *NetDevice) String() string {
	return fmt.Sprintf("%s/dev%d", dev.node.name, dev.index)
}

// Link is a point-to-point channel joining two devices
type Link struct {
	id    int
	class LinkClass
	rate  DataRate
	delay float64 // propagation delay, seconds
	devs  [2]*NetDevice
}

// ID returns the link's position in creation order
func (lnk *Link) ID() int {
	return lnk.id
}

// Class returns whether the link is the bottleneck or an access link
func (lnk *Link) Class() LinkClass {
	return lnk.class
}

// Rate returns the data rate of the link
func (lnk *Link) Rate() DataRate {
	return lnk.rate
}

// Delay returns the propagation delay of the link, in seconds
func (lnk *Link) Delay() float64 {
	return lnk.delay
}

// Devices returns the devices at the two ends of the link, in the order they were joined
func (lnk *Link) Devices() [2]*NetDevice {
	return lnk.devs
}

// Node is a simulated host or switch
type Node struct {
	id      int
	name    string
	role    NodeRole
	net     *Network
	devices []*NetDevice

	// host routes: destination interface address -> device to send through
	routes map[netip.Addr]*NetDevice

	// transport layer, nil until a stack is installed
	tcp *TcpL4

	noRoute int // packets discarded for want of a route
}

// ID returns the node's id, assigned in creation order
func (node *Node) ID() int {
	return node.id
}

// Name returns the node's name
func (node *Node) Name() string {
	return node.name
}

// Role returns the function the node plays in the dumbbell
func (node *Node) Role() NodeRole {
	return node.role
}

// Devices returns the node's devices in the order they were attached
func (node *Node) Devices() []*NetDevice {
	return node.devices
}

// Device returns the device with the given index
func (node *Node) Device(idx int) *NetDevice {
	if idx < 0 || idx >= len(node.devices) {
		return nil
	}
	return node.devices[idx]
}

// Tcp returns the node's transport layer, nil if no stack was installed
func (node *Node) Tcp() *TcpL4 {
	return node.tcp
}

// Addrs returns the addresses assigned to the node's devices
func (node *Node) Addrs() []netip.Addr {
	rtn := []netip.Addr{}
	for _, dev := range node.devices {
		if dev.addr.IsValid() {
			rtn = append(rtn, dev.addr)
		}
	}
	return rtn
}

// ownsAddr reports whether addr is assigned to one of the node's devices
func (node *Node) ownsAddr(addr netip.Addr) bool {
	for _, dev := range node.devices {
		if dev.addr == addr {
			return true
		}
	}
	return false
}

// Network holds all of the simulation state of one experiment
type Network struct {
	evtMgr *evtm.EventManager
	nodes  []*Node
	links  []*Link

	pcktID int

	// value-changed subscriptions, applied to sockets created after they are made
	subs []*subscription

	// routing state, see routes.go
	rt *routeTables
}

// TicksPerSecond is the resolution of virtual time.  A 1000 byte packet at 10Gbps
// lasts 0.8us, so the clock counts nanoseconds
const TicksPerSecond int64 = 1_000_000_000

// CreateNetwork is a constructor.  All events of the network are scheduled on evtMgr,
// and the virtual clock is set to TicksPerSecond before anything is scheduled on it
func CreateNetwork(evtMgr *evtm.EventManager) *Network {
	vrtime.SetTicksPerSecond(TicksPerSecond)
	nw := new(Network)
	nw.evtMgr = evtMgr
	nw.nodes = make([]*Node, 0)
	nw.links = make([]*Link, 0)
	nw.subs = make([]*subscription, 0)
	return nw
}

// EventManager returns the event manager the network schedules on
func (nw *Network) EventManager() *evtm.EventManager {
	return nw.evtMgr
}

// Now returns the current virtual time in seconds
func (nw *Network) Now() float64 {
	return nw.evtMgr.CurrentSeconds()
}

// Nodes returns every node in id order
func (nw *Network) Nodes() []*Node {
	return nw.nodes
}

// Node returns the node with the given id, or nil
func (nw *Network) Node(id int) *Node {
	if id < 0 || id >= len(nw.nodes) {
		return nil
	}
	return nw.nodes[id]
}

// Links returns every link in creation order
func (nw *Network) Links() []*Link {
	return nw.links
}

// CreateNode adds a node with the next id
func (nw *Network) CreateNode(name string, role NodeRole) *Node {
	node := new(Node)
	node.id = len(nw.nodes)
	node.name = name
	node.role = role
	node.net = nw
	node.devices = make([]*NetDevice, 0)
	node.routes = make(map[netip.Addr]*NetDevice)
	nw.nodes = append(nw.nodes, node)
	return node
}

// CreateLink joins nodes a and b with a point-to-point channel, adding a device to each
func (nw *Network) CreateLink(a, b *Node, class LinkClass, rate DataRate, delay float64) *Link {
	if a == b {
		panic(fmt.Errorf("link from %s to itself", a.name))
	}
	lnk := new(Link)
	lnk.id = len(nw.links)
	lnk.class = class
	lnk.rate = rate
	lnk.delay = delay

	for idx, node := range []*Node{a, b} {
		dev := new(NetDevice)
		dev.node = node
		dev.index = len(node.devices)
		dev.link = lnk
		dev.sniffers = make([]PacketSniffer, 0)
		node.devices = append(node.devices, dev)
		lnk.devs[idx] = dev
	}
	lnk.devs[0].peer = lnk.devs[1]
	lnk.devs[1].peer = lnk.devs[0]

	nw.links = append(nw.links, lnk)
	return lnk
}

// nxtPcktID hands out packet identifiers
func (nw *Network) nxtPcktID() int {
	nw.pcktID += 1
	return nw.pcktID
}

// send looks up the device that leads to the packet's destination and offers the packet to it
func (node *Node) send(pckt *Packet) {
	dev, present := node.routes[pckt.Dst]
	if !present {
		node.noRoute += 1
		return
	}
	dev.enqueue(pckt)
}

// enqueue offers the packet to the root queue discipline and starts the
// transmitter if it is idle
func (dev *NetDevice) enqueue(pckt *Packet) {
	if dev.qdisc == nil {
		// no discipline yet, the device transmits straight from the node
		dev.noQdisc += 1
		if dev.busy {
			return
		}
		dev.transmit(pckt)
		return
	}

	if !dev.qdisc.Enqueue(pckt, dev.node.net.Now()) {
		return
	}
	if !dev.busy {
		dev.startTx()
	}
}

// startTx pulls the next packet from the queue discipline, if any, and puts it on the wire
func (dev *NetDevice) startTx() {
	pckt := dev.qdisc.Dequeue(dev.node.net.Now())
	if pckt == nil {
		dev.busy = false
		return
	}
	dev.transmit(pckt)
}

// transmit serializes one packet and schedules the end of its transmission
func (dev *NetDevice) transmit(pckt *Packet) {
	evtMgr := dev.node.net.evtMgr
	dev.busy = true
	dev.txPackets += 1
	for _, sniffer := range dev.sniffers {
		sniffer(evtMgr.CurrentSeconds(), dev, pckt, true)
	}

	delay := TransferTime(dev.link.rate, pckt.Size)
	evtMgr.Schedule(dev, pckt, exitEgressIntrfc, vrtime.SecondsToTime(delay))
}

// exitEgressIntrfc is the event handler for the last bit of a packet leaving a device.
// The packet arrives at the peer after the propagation delay, and the device takes up
// the next packet in its queue
func exitEgressIntrfc(evtMgr *evtm.EventManager, egressIntrfc any, msg any) any {
	dev := egressIntrfc.(*NetDevice)
	pckt := msg.(*Packet)

	evtMgr.Schedule(dev.peer, pckt, enterIngressIntrfc, vrtime.SecondsToTime(dev.link.delay))

	if dev.qdisc == nil {
		dev.busy = false
		return nil
	}
	dev.startTx()

	// event handlers are required to return _something_
	return nil
}

// enterIngressIntrfc is the event handler for the arrival of a packet at a device.
// A packet addressed to the node goes up to the transport layer, anything else is forwarded
func enterIngressIntrfc(evtMgr *evtm.EventManager, ingressIntrfc any, msg any) any {
	dev := ingressIntrfc.(*NetDevice)
	pckt := msg.(*Packet)
	node := dev.node

	dev.rxPackets += 1
	for _, sniffer := range dev.sniffers {
		sniffer(evtMgr.CurrentSeconds(), dev, pckt, false)
	}

	if node.ownsAddr(pckt.Dst) {
		if node.tcp != nil {
			node.tcp.receive(pckt)
		}
		return nil
	}
	node.send(pckt)
	return nil
}
