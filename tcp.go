package dumbbell

// tcp.go is the transport layer of a node.  Senders are byte-stream sockets with a
// bounded send buffer, RTT estimation from echoed timestamps, fast retransmit with
// NewReno recovery, go-back-N on retransmission timeout and ECN negotiated at
// connection setup.  Receivers acknowledge every segment and echo CE marks packet by packet.

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

const (
	// IPv4 and TCP headers with the timestamp option
	tcpHeaderBytes = 52

	// headers of a SYN, which carries more options
	synBytes = 60

	// timer granularity folded into the retransmission timeout
	clockGranularity = 0.001

	// retransmission timeout of a SYN, and the ceiling of any backed-off timeout
	synTimeout = 1.0
	maxRto     = 60.0

	// first ephemeral port handed to an active socket
	firstEphemeralPort = 49153
)

// TraceCallback is called when a traced value changes, with the virtual time of the change
type TraceCallback func(now, oldVal, newVal float64)

// tracedValue holds a value and the callbacks fired when it changes
type tracedValue struct {
	value float64
	sinks []TraceCallback
}

func (tv *tracedValue) set(now, val float64) {
	if val == tv.value {
		return
	}
	old := tv.value
	tv.value = val
	for _, sink := range tv.sinks {
		sink(now, old, val)
	}
}

func (tv *tracedValue) connect(cb TraceCallback) {
	tv.sinks = append(tv.sinks, cb)
}

// Attributes a subscription path may name
const (
	AttrCongestionWindow = "CongestionWindow"
	AttrRTT              = "RTT"
)

// subscription is a value-changed callback bound to socket attributes matched by a path
type subscription struct {
	nodeID int // -1 matches any node
	sockID int // -1 matches any socket
	attr   string
	cb     TraceCallback
}

func (sub *subscription) matches(sock *TcpSocket) bool {
	if sub.nodeID >= 0 && sub.nodeID != sock.l4.node.id {
		return false
	}
	return sub.sockID < 0 || sub.sockID == sock.idx
}

// bind attaches the callback to the socket's traced value
func (sub *subscription) bind(sock *TcpSocket) {
	switch sub.attr {
	case AttrCongestionWindow:
		sock.cwnd.connect(sub.cb)
	case AttrRTT:
		sock.rtt.connect(sub.cb)
	}
}

// parseSubscriptionPath accepts paths of the form
// /NodeList/<id|*>/TcpL4Protocol/SocketList/<idx|*>/<attribute>
func parseSubscriptionPath(path string) (*subscription, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 6 || parts[0] != "NodeList" || parts[2] != "TcpL4Protocol" || parts[3] != "SocketList" {
		return nil, fmt.Errorf("unrecognized trace path %q", path)
	}
	sub := new(subscription)
	ids := []*int{&sub.nodeID, &sub.sockID}
	for idx, field := range []string{parts[1], parts[4]} {
		if field == "*" {
			*ids[idx] = -1
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("bad index %q in trace path %q", field, path)
		}
		*ids[idx] = v
	}
	switch parts[5] {
	case AttrCongestionWindow, AttrRTT:
		sub.attr = parts[5]
	default:
		return nil, fmt.Errorf("attribute %q in trace path %q cannot be traced", parts[5], path)
	}
	return sub, nil
}

// Connect binds cb to every socket attribute the path matches, now and for sockets created later.
// Binding later sockets as well lets a trace be connected before its sender opens, which
// a path bound only to existing sockets would miss
func (nw *Network) Connect(path string, cb TraceCallback) error {
	sub, err := parseSubscriptionPath(path)
	if err != nil {
		return err
	}
	if sub.nodeID >= len(nw.nodes) {
		return fmt.Errorf("trace path %q names node %d, network has %d", path, sub.nodeID, len(nw.nodes))
	}
	sub.cb = cb
	nw.subs = append(nw.subs, sub)

	for _, node := range nw.nodes {
		if node.tcp == nil {
			continue
		}
		for _, sock := range node.tcp.sockets {
			if sub.matches(sock) {
				sub.bind(sock)
			}
		}
	}
	return nil
}

// TcpL4 is the transport layer of one node
type TcpL4 struct {
	node   *Node
	params *GlobalParameters

	// active sockets in creation order, and by local port
	sockets []*TcpSocket
	byPort  map[uint16]*TcpSocket

	listeners map[uint16]*PacketSink
	endpoints map[endpointKey]*tcpReceiver

	nxtPort uint16
}

// endpointKey identifies the connection a segment arriving at a receiver belongs to
type endpointKey struct {
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

// InstallTcp gives the node a transport layer configured by gp.  A node takes one stack
func InstallTcp(node *Node, gp *GlobalParameters) error {
	if node.tcp != nil {
		return fmt.Errorf("node %s already has a %s stack", node.name, node.tcp.params.Name)
	}
	l4 := new(TcpL4)
	l4.node = node
	l4.params = gp
	l4.sockets = make([]*TcpSocket, 0)
	l4.byPort = make(map[uint16]*TcpSocket)
	l4.listeners = make(map[uint16]*PacketSink)
	l4.endpoints = make(map[endpointKey]*tcpReceiver)
	l4.nxtPort = firstEphemeralPort
	node.tcp = l4
	return nil
}

// Params returns the configuration context the stack was installed under
func (l4 *TcpL4) Params() *GlobalParameters {
	return l4.params
}

// Sockets returns the active sockets in creation order
func (l4 *TcpL4) Sockets() []*TcpSocket {
	return l4.sockets
}

// Receivers returns the number of passive connections accepted
func (l4 *TcpL4) Receivers() int {
	return len(l4.endpoints)
}

// listen binds the sink to port
func (l4 *TcpL4) listen(port uint16, sink *PacketSink) error {
	if _, present := l4.listeners[port]; present {
		return fmt.Errorf("port %d already bound on %s", port, l4.node.name)
	}
	l4.listeners[port] = sink
	return nil
}

// CreateSocket returns a new active socket running the stack's congestion control
func (l4 *TcpL4) CreateSocket() *TcpSocket {
	gp := l4.params
	sock := new(TcpSocket)
	sock.l4 = l4
	sock.idx = len(l4.sockets)
	sock.cc = createCongestionOps(gp.SocketType)
	sock.segSize = gp.SegmentSize
	sock.sndBufSize = int64(gp.SndBufSize)
	sock.minRto = gp.MinRto
	sock.ecnRequested = gp.UseEcn

	sock.ssthresh = math.MaxInt32
	sock.cwnd.value = float64(gp.InitialCwnd * gp.SegmentSize)
	sock.rtt.value = gp.InitialRtt
	sock.srtt = gp.InitialRtt
	sock.rto = synTimeout
	sock.recover = -1

	l4.sockets = append(l4.sockets, sock)
	for _, sub := range l4.node.net.subs {
		if sub.matches(sock) {
			sub.bind(sock)
		}
	}
	return sock
}

// receive demultiplexes a segment addressed to the node
func (l4 *TcpL4) receive(pckt *Packet) {
	if sock, present := l4.byPort[pckt.DstPort]; present && sock.remoteAddr == pckt.Src {
		sock.receive(pckt)
		return
	}

	key := endpointKey{localPort: pckt.DstPort, remoteAddr: pckt.Src, remotePort: pckt.SrcPort}
	if rcvr, present := l4.endpoints[key]; present {
		rcvr.receive(pckt)
		return
	}

	// a SYN to a bound port opens a connection, anything else is discarded
	sink, present := l4.listeners[pckt.DstPort]
	if !present || !pckt.Syn || !sink.running {
		return
	}
	rcvr := new(tcpReceiver)
	rcvr.l4 = l4
	rcvr.key = key
	rcvr.localAddr = pckt.Dst
	rcvr.sink = sink
	rcvr.ooo = make(map[int64]int)
	rcvr.ecn = pckt.Ece && pckt.Cwr && l4.params.UseEcn
	l4.endpoints[key] = rcvr
	rcvr.receive(pckt)
}

type tcpState int

const (
	tcpClosed tcpState = iota
	tcpSynSent
	tcpEstablished
)

// TcpSocket is the sending end of a connection
type TcpSocket struct {
	l4  *TcpL4
	idx int // position in the node's socket list
	cc  CongestionOps

	state      tcpState
	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16

	ecnRequested bool
	ecn          bool // negotiated at connection setup

	segSize    int
	sndBufSize int64

	// sequence space, in payload bytes
	writeSeq int64 // bytes written by the application
	sndUna   int64 // oldest unacknowledged byte
	sndNxt   int64 // next byte to send
	highTx   int64 // highest byte ever sent

	cwnd     tracedValue // bytes
	ssthresh int64

	// RTT estimation
	rtt     tracedValue // smoothed RTT, seconds
	srtt    float64
	rttvar  float64
	haveRtt bool
	rto     float64
	minRto  float64
	backoff int

	// loss recovery
	dupAcks    int
	inRecovery bool
	recover    int64

	// ECN reaction, once per window
	inCwr      bool
	cwrUntil   int64
	cwrPending bool

	// retransmission timer, a pending expiry whose generation is stale is ignored
	rtoGen   int
	rtoArmed bool

	// application callbacks
	onConnected func()
	onSend      func()

	stats TcpStats
}

// TcpStats counts the loss and congestion events of a socket
type TcpStats struct {
	BytesAcked     int64 `json:"bytesacked" yaml:"bytesacked"`
	SegmentsSent   int   `json:"segmentssent" yaml:"segmentssent"`
	Retransmits    int   `json:"retransmits" yaml:"retransmits"`
	FastRecoveries int   `json:"fastrecoveries" yaml:"fastrecoveries"`
	Timeouts       int   `json:"timeouts" yaml:"timeouts"`
	EcnReductions  int   `json:"ecnreductions" yaml:"ecnreductions"`
	EceAcks        int   `json:"eceacks" yaml:"eceacks"`
}

// Index returns the socket's position in its node's socket list
func (sock *TcpSocket) Index() int {
	return sock.idx
}

// CongestionOps returns the congestion control the socket runs
func (sock *TcpSocket) CongestionOps() CongestionOps {
	return sock.cc
}

// Cwnd returns the congestion window in bytes
func (sock *TcpSocket) Cwnd() int64 {
	return int64(sock.cwnd.value)
}

// SmoothedRtt returns the RTT estimate in seconds
func (sock *TcpSocket) SmoothedRtt() float64 {
	return sock.rtt.value
}

// EcnNegotiated reports whether both ends agreed to use ECN
func (sock *TcpSocket) EcnNegotiated() bool {
	return sock.ecn
}

// Stats returns the socket's event counts
func (sock *TcpSocket) Stats() TcpStats {
	return sock.stats
}

// Established reports whether the connection is open
func (sock *TcpSocket) Established() bool {
	return sock.state == tcpEstablished
}

// SetConnectCallback registers a function called once the connection is open
func (sock *TcpSocket) SetConnectCallback(cb func()) {
	sock.onConnected = cb
}

// SetSendCallback registers a function called when send buffer space is freed
func (sock *TcpSocket) SetSendCallback(cb func()) {
	sock.onSend = cb
}

func (sock *TcpSocket) setCwnd(cwnd int64) {
	sock.cwnd.set(sock.l4.node.net.Now(), float64(cwnd))
}

// TxAvailable returns the free space of the send buffer
func (sock *TcpSocket) TxAvailable() int64 {
	return sock.sndBufSize - (sock.writeSeq - sock.sndUna)
}

// Connect opens a connection to addr:port from a newly bound ephemeral port
func (sock *TcpSocket) Connect(addr netip.Addr, port uint16) error {
	if sock.state != tcpClosed {
		return fmt.Errorf("socket %d on %s is already connected", sock.idx, sock.l4.node.name)
	}
	dev, present := sock.l4.node.routes[addr]
	if !present {
		return fmt.Errorf("no route from %s to %s", sock.l4.node.name, addr)
	}
	sock.localAddr = dev.addr
	sock.localPort = sock.l4.nxtPort
	sock.l4.nxtPort += 1
	sock.l4.byPort[sock.localPort] = sock
	sock.remoteAddr = addr
	sock.remotePort = port
	sock.state = tcpSynSent

	sock.sendSyn()
	return nil
}

// Close stops the socket from sending, whatever is outstanding is abandoned
func (sock *TcpSocket) Close() {
	sock.state = tcpClosed
	sock.cancelRto()
}

// Send appends nbytes to the send buffer.  Nothing is accepted when there is not room for all of them
func (sock *TcpSocket) Send(nbytes int64) int64 {
	if sock.state == tcpClosed || nbytes <= 0 || nbytes > sock.TxAvailable() {
		return 0
	}
	sock.writeSeq += nbytes
	sock.sendPending()
	return nbytes
}

func (sock *TcpSocket) newPacket() *Packet {
	pckt := new(Packet)
	pckt.uid = sock.l4.node.net.nxtPcktID()
	pckt.Src = sock.localAddr
	pckt.Dst = sock.remoteAddr
	pckt.SrcPort = sock.localPort
	pckt.DstPort = sock.remotePort
	pckt.TsVal = sock.l4.node.net.Now()
	return pckt
}

// sendSyn asks for a connection, requesting ECN with ECE and CWR both set
func (sock *TcpSocket) sendSyn() {
	pckt := sock.newPacket()
	pckt.Syn = true
	pckt.Size = synBytes
	pckt.Ece = sock.ecnRequested
	pckt.Cwr = sock.ecnRequested
	sock.armRto()
	sock.l4.node.send(pckt)
}

// sendPending transmits as much buffered data as the congestion window allows
func (sock *TcpSocket) sendPending() {
	for sock.state == tcpEstablished {
		avail := sock.writeSeq - sock.sndNxt
		if avail <= 0 {
			break
		}
		n := min(int64(sock.segSize), avail)
		inflight := sock.sndNxt - sock.sndUna
		if inflight > 0 && inflight+n > sock.Cwnd() {
			break
		}
		sock.sendSegment(sock.sndNxt, n)
		sock.sndNxt += n
		if sock.sndNxt > sock.highTx {
			sock.highTx = sock.sndNxt
		}
	}
}

// sendSegment puts the n bytes starting at seq on the wire
func (sock *TcpSocket) sendSegment(seq, n int64) {
	pckt := sock.newPacket()
	pckt.Seq = seq
	pckt.Payload = int(n)
	pckt.Size = int(n) + tcpHeaderBytes
	pckt.Ect = sock.ecn
	pckt.Cwr = sock.cwrPending
	sock.cwrPending = false

	sock.stats.SegmentsSent += 1
	if seq < sock.highTx {
		sock.stats.Retransmits += 1
	}
	if !sock.rtoArmed {
		sock.armRto()
	}
	sock.l4.node.send(pckt)
}

// retransmitHead resends the oldest unacknowledged segment
func (sock *TcpSocket) retransmitHead() {
	n := min(int64(sock.segSize), sock.highTx-sock.sndUna)
	if n <= 0 {
		return
	}
	sock.sendSegment(sock.sndUna, n)
}

// receive processes a segment arriving from the receiver
func (sock *TcpSocket) receive(pckt *Packet) {
	now := sock.l4.node.net.Now()

	if sock.state == tcpSynSent {
		if !(pckt.Syn && pckt.IsAck) {
			return
		}
		sock.state = tcpEstablished
		sock.ecn = sock.ecnRequested && pckt.Ece
		sock.backoff = 0
		sock.cancelRto()
		sock.updateRtt(now - pckt.TsEcr)
		if sock.onConnected != nil {
			sock.onConnected()
		}
		sock.sendPending()
		return
	}
	if sock.state != tcpEstablished || !pckt.IsAck || pckt.Syn {
		return
	}

	if pckt.Ece {
		sock.stats.EceAcks += 1
	}

	if pckt.Ack > sock.sndUna {
		sock.newAck(pckt, now)
		return
	}

	// a duplicate ACK
	if pckt.Ack == sock.sndUna && sock.sndNxt > sock.sndUna {
		sock.dupAck()
	}
}

// newAck handles an ACK that acknowledges new data
func (sock *TcpSocket) newAck(pckt *Packet, now float64) {
	bytesAcked := pckt.Ack - sock.sndUna
	sock.sndUna = pckt.Ack
	if sock.sndNxt < sock.sndUna {
		// acknowledged past a go-back-N rewind
		sock.sndNxt = sock.sndUna
	}
	sock.stats.BytesAcked += bytesAcked
	sock.backoff = 0
	sock.updateRtt(now - pckt.TsEcr)
	sock.cc.PktsAcked(sock, bytesAcked, pckt.Ece)

	seg := int64(sock.segSize)
	switch {
	case sock.inRecovery && sock.sndUna >= sock.recover:
		// full acknowledgement ends recovery
		sock.inRecovery = false
		sock.dupAcks = 0
		sock.setCwnd(sock.ssthresh)
	case sock.inRecovery:
		// partial acknowledgement, the next hole is lost as well
		sock.retransmitHead()
		cwnd := sock.Cwnd() - bytesAcked
		if bytesAcked >= seg {
			cwnd += seg
		}
		sock.setCwnd(max(cwnd, seg))
	default:
		sock.dupAcks = 0
		if sock.inCwr && sock.sndUna >= sock.cwrUntil {
			sock.inCwr = false
		}
		if sock.ecn && pckt.Ece && !sock.inCwr {
			sock.enterCwr()
		} else if !sock.inCwr {
			sock.cc.IncreaseWindow(sock, bytesAcked)
		}
	}

	if sock.sndUna >= sock.sndNxt {
		sock.cancelRto()
	} else {
		sock.armRto()
	}

	if sock.onSend != nil {
		sock.onSend()
	}
	sock.sendPending()
}

// enterCwr reduces the window once in response to an echoed congestion mark
func (sock *TcpSocket) enterCwr() {
	inflight := sock.sndNxt - sock.sndUna
	sock.ssthresh = sock.cc.SsThresh(sock, inflight)
	sock.setCwnd(sock.ssthresh)
	sock.inCwr = true
	sock.cwrUntil = sock.sndNxt
	sock.cwrPending = true
	sock.stats.EcnReductions += 1
}

// dupAck counts duplicate ACKs, entering fast recovery on the third
func (sock *TcpSocket) dupAck() {
	seg := int64(sock.segSize)
	sock.dupAcks += 1

	if sock.inRecovery {
		// each duplicate means a segment has left the network
		sock.setCwnd(sock.Cwnd() + seg)
		sock.sendPending()
		return
	}
	if sock.dupAcks < 3 || sock.sndUna <= sock.recover {
		return
	}

	inflight := sock.sndNxt - sock.sndUna
	sock.ssthresh = sock.cc.SsThresh(sock, inflight)
	sock.recover = sock.highTx
	sock.inRecovery = true
	sock.inCwr = false
	sock.stats.FastRecoveries += 1
	sock.retransmitHead()
	sock.setCwnd(sock.ssthresh + 3*seg)
	sock.sendPending()
}

// updateRtt folds a sample into the smoothed estimate and recomputes the timeout
func (sock *TcpSocket) updateRtt(sample float64) {
	if sample <= 0 {
		return
	}
	if !sock.haveRtt {
		sock.srtt = sample
		sock.rttvar = sample / 2.0
		sock.haveRtt = true
	} else {
		sock.rttvar = 0.75*sock.rttvar + 0.25*math.Abs(sock.srtt-sample)
		sock.srtt = 0.875*sock.srtt + 0.125*sample
	}
	sock.rto = math.Max(sock.minRto, sock.srtt+math.Max(clockGranularity, 4.0*sock.rttvar))
	sock.rtt.set(sock.l4.node.net.Now(), sock.srtt)
}

// armRto (re)starts the retransmission timer
func (sock *TcpSocket) armRto() {
	sock.rtoGen += 1
	sock.rtoArmed = true
	timeout := math.Min(maxRto, sock.rto*math.Pow(2.0, float64(sock.backoff)))
	sock.l4.node.net.evtMgr.Schedule(sock, sock.rtoGen, rtoExpired, vrtime.SecondsToTime(timeout))
}

func (sock *TcpSocket) cancelRto() {
	sock.rtoGen += 1
	sock.rtoArmed = false
}

// rtoExpired is the event handler of the retransmission timer.  Data is the
// generation of the timer when it was armed
func rtoExpired(evtMgr *evtm.EventManager, context any, data any) any {
	sock := context.(*TcpSocket)
	gen := data.(int)
	if gen != sock.rtoGen || !sock.rtoArmed {
		return nil
	}
	sock.rtoArmed = false

	switch sock.state {
	case tcpSynSent:
		sock.backoff += 1
		sock.sendSyn()
		return nil
	case tcpClosed:
		return nil
	}
	if sock.sndUna >= sock.sndNxt && sock.sndUna >= sock.highTx {
		return nil
	}

	sock.stats.Timeouts += 1
	inflight := sock.highTx - sock.sndUna
	sock.ssthresh = sock.cc.SsThresh(sock, inflight)
	sock.setCwnd(int64(sock.segSize))
	sock.recover = sock.highTx
	sock.inRecovery = false
	sock.inCwr = false
	sock.dupAcks = 0
	sock.backoff = min(sock.backoff+1, 6)

	// go back N
	sock.sndNxt = sock.sndUna
	sock.sendPending()
	if !sock.rtoArmed {
		sock.armRto()
	}
	return nil
}

// tcpReceiver is the passive end of a connection, feeding a PacketSink
type tcpReceiver struct {
	l4        *TcpL4
	key       endpointKey
	localAddr netip.Addr
	sink      *PacketSink
	ecn       bool

	rcvNxt int64
	ooo    map[int64]int // out-of-order segments, start -> length
}

func (rcvr *tcpReceiver) receive(pckt *Packet) {
	if pckt.Syn {
		rcvr.sendSynAck(pckt)
		return
	}
	if pckt.Payload > 0 {
		before := rcvr.rcvNxt
		end := pckt.Seq + int64(pckt.Payload)
		if end > rcvr.rcvNxt {
			if n, present := rcvr.ooo[pckt.Seq]; !present || n < pckt.Payload {
				rcvr.ooo[pckt.Seq] = pckt.Payload
			}
		}
		rcvr.drain()
		if rcvr.rcvNxt > before {
			rcvr.sink.deliver(rcvr.rcvNxt - before)
		}
	}
	rcvr.sendAck(pckt)
}

// drain advances rcvNxt over every buffered segment that now connects to it
func (rcvr *tcpReceiver) drain() {
	for progress := true; progress; {
		progress = false
		for seq, n := range rcvr.ooo {
			if seq > rcvr.rcvNxt {
				continue
			}
			delete(rcvr.ooo, seq)
			if end := seq + int64(n); end > rcvr.rcvNxt {
				rcvr.rcvNxt = end
			}
			progress = true
		}
	}
}

func (rcvr *tcpReceiver) newPacket() *Packet {
	pckt := new(Packet)
	pckt.uid = rcvr.l4.node.net.nxtPcktID()
	pckt.Src = rcvr.localAddr
	pckt.Dst = rcvr.key.remoteAddr
	pckt.SrcPort = rcvr.key.localPort
	pckt.DstPort = rcvr.key.remotePort
	pckt.TsVal = rcvr.l4.node.net.Now()
	return pckt
}

func (rcvr *tcpReceiver) sendSynAck(syn *Packet) {
	pckt := rcvr.newPacket()
	pckt.Syn = true
	pckt.IsAck = true
	pckt.Ece = rcvr.ecn
	pckt.Size = synBytes
	pckt.TsEcr = syn.TsVal
	rcvr.l4.node.send(pckt)
}

// sendAck acknowledges a segment, echoing its timestamp and any congestion mark
func (rcvr *tcpReceiver) sendAck(seg *Packet) {
	pckt := rcvr.newPacket()
	pckt.IsAck = true
	pckt.Ack = rcvr.rcvNxt
	pckt.Ece = rcvr.ecn && seg.Ce
	pckt.Size = tcpHeaderBytes
	pckt.TsEcr = seg.TsVal
	rcvr.l4.node.send(pckt)
}
