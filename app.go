package dumbbell

// app.go holds the applications at the ends of a flow: a constant-rate sender
// writing into a TCP socket and a sink that counts the bytes it is handed

import (
	"fmt"
	"math"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// PacketSink accepts connections on a port and counts the bytes delivered to it
type PacketSink struct {
	node    *Node
	port    uint16
	start   float64
	stop    float64
	running bool

	rxBytes int64
	firstRx float64
	lastRx  float64
}

// InstallSink binds a sink to port on node, receiving between start and stop
func InstallSink(node *Node, port uint16, start, stop float64) (*PacketSink, error) {
	if node.tcp == nil {
		return nil, fmt.Errorf("sink on %s needs a transport stack", node.name)
	}
	sink := new(PacketSink)
	sink.node = node
	sink.port = port
	sink.start = start
	sink.stop = stop
	sink.firstRx = -1.0
	if err := node.tcp.listen(port, sink); err != nil {
		return nil, err
	}

	evtMgr := node.net.evtMgr
	now := evtMgr.CurrentSeconds()
	evtMgr.Schedule(sink, true, setSinkRunning, vrtime.SecondsToTime(math.Max(0.0, start-now)))
	evtMgr.Schedule(sink, false, setSinkRunning, vrtime.SecondsToTime(math.Max(0.0, stop-now)))
	return sink, nil
}

// setSinkRunning is the event handler that starts or stops a sink
func setSinkRunning(evtMgr *evtm.EventManager, context any, data any) any {
	sink := context.(*PacketSink)
	sink.running = data.(bool)
	return nil
}

// deliver is called by the transport with bytes newly received in order
func (sink *PacketSink) deliver(nbytes int64) {
	if !sink.running {
		return
	}
	now := sink.node.net.Now()
	if sink.firstRx < 0 {
		sink.firstRx = now
	}
	sink.lastRx = now
	sink.rxBytes += nbytes
}

// Running reports whether the sink is between its start and stop
func (sink *PacketSink) Running() bool {
	return sink.running
}

// TotalRx returns the bytes received
func (sink *PacketSink) TotalRx() int64 {
	return sink.rxBytes
}

// Port returns the port the sink is bound to
func (sink *PacketSink) Port() uint16 {
	return sink.port
}

// Goodput returns the mean receive rate between the first and last delivery
func (sink *PacketSink) Goodput() DataRate {
	if sink.firstRx < 0 || sink.lastRx <= sink.firstRx {
		return 0
	}
	return DataRate(float64(sink.rxBytes*8) / (sink.lastRx - sink.firstRx))
}

// OnOffApp writes fixed-size packets into a socket at a constant rate while on.
// With a zero off time it is on from start to stop.  Packets are accounted rather than
// timed one by one: whenever the socket has room the application writes every packet
// its rate has made due since the connection opened
type OnOffApp struct {
	node    *Node
	remote  netip.Addr
	port    uint16
	rate    DataRate
	pktSize int
	start   float64
	stop    float64

	sock      *TcpSocket
	running   bool
	connected float64 // time the connection opened
	sentPkts  int64
	wakeAt    float64 // time of the pending wake-up, negative if none
}

// InstallOnOff puts a sender on node aimed at remote:port, on between start and stop
func InstallOnOff(node *Node, remote netip.Addr, port uint16, rate DataRate, pktSize int,
	start, stop float64) (*OnOffApp, error) {

	if node.tcp == nil {
		return nil, fmt.Errorf("sender on %s needs a transport stack", node.name)
	}
	if rate <= 0 || pktSize <= 0 {
		return nil, fmt.Errorf("sender on %s needs a positive rate and packet size", node.name)
	}
	app := new(OnOffApp)
	app.node = node
	app.remote = remote
	app.port = port
	app.rate = rate
	app.pktSize = pktSize
	app.start = start
	app.stop = stop
	app.wakeAt = -1.0

	evtMgr := node.net.evtMgr
	now := evtMgr.CurrentSeconds()
	evtMgr.Schedule(app, nil, startOnOff, vrtime.SecondsToTime(math.Max(0.0, start-now)))
	evtMgr.Schedule(app, nil, stopOnOff, vrtime.SecondsToTime(math.Max(0.0, stop-now)))
	return app, nil
}

// Socket returns the socket the application writes to, nil before it starts
func (app *OnOffApp) Socket() *TcpSocket {
	return app.sock
}

// SentBytes returns the bytes written into the socket
func (app *OnOffApp) SentBytes() int64 {
	return app.sentPkts * int64(app.pktSize)
}

// startOnOff is the event handler that opens the sender's connection
func startOnOff(evtMgr *evtm.EventManager, context any, data any) any {
	app := context.(*OnOffApp)
	if evtMgr.CurrentSeconds() >= app.stop {
		return nil
	}
	app.sock = app.node.tcp.CreateSocket()
	app.running = true
	app.sock.SetConnectCallback(func() {
		app.connected = evtMgr.CurrentSeconds()
		app.fill()
	})
	app.sock.SetSendCallback(app.fill)
	if err := app.sock.Connect(app.remote, app.port); err != nil {
		panic(err)
	}
	return nil
}

// stopOnOff is the event handler that turns the sender off
func stopOnOff(evtMgr *evtm.EventManager, context any, data any) any {
	app := context.(*OnOffApp)
	app.running = false
	return nil
}

// wakeOnOff is the event handler for the time the next packet becomes due
func wakeOnOff(evtMgr *evtm.EventManager, context any, data any) any {
	app := context.(*OnOffApp)
	app.wakeAt = -1.0
	app.fill()
	return nil
}

// fill writes every due packet the socket has room for.  When the rate rather than
// the socket is what holds the application back, it sleeps until the next packet is due
func (app *OnOffApp) fill() {
	if !app.running || !app.sock.Established() {
		return
	}
	now := app.node.net.Now()
	pktTime := TransferTime(app.rate, app.pktSize)

	// the first packet is due as soon as the connection opens
	due := int64(math.Floor((now-app.connected)/pktTime+1e-9)) + 1 - app.sentPkts
	room := app.sock.TxAvailable() / int64(app.pktSize)

	k := min(due, room)
	if k > 0 && app.sock.Send(k*int64(app.pktSize)) > 0 {
		app.sentPkts += k
	}

	if due <= room && app.wakeAt < 0 {
		next := app.connected + float64(app.sentPkts)*pktTime
		app.wakeAt = next
		// a packet time shorter than a tick would round the wake-up onto 'now'
		ticks := max(vrtime.SecondsToTicks(next-now), 1)
		app.node.net.evtMgr.Schedule(app, nil, wakeOnOff, vrtime.CreateTime(ticks, 0))
	}
}
