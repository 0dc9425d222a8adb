package dumbbell

// cca.go holds the congestion control algorithms a socket can run.
// Both grow the window the same way; they differ in how far they back off.

// CongestionOps is the congestion control of one socket
type CongestionOps interface {
	Name() string

	// IncreaseWindow grows the window on an ACK of new data
	IncreaseWindow(sock *TcpSocket, bytesAcked int64)

	// SsThresh returns the slow start threshold to use after congestion is signaled
	SsThresh(sock *TcpSocket, bytesInFlight int64) int64

	// PktsAcked is told of every ACK of new data and whether it echoed congestion
	PktsAcked(sock *TcpSocket, bytesAcked int64, ece bool)
}

// createCongestionOps returns a fresh instance of the algorithm selected by st
func createCongestionOps(st SocketType) CongestionOps {
	if st == TcpDctcp {
		return createDctcp()
	}
	return new(NewReno)
}

// NewReno is loss-based congestion control: slow start, then one segment per window
type NewReno struct{}

func (nr *NewReno) Name() string {
	return "TcpNewReno"
}

func (nr *NewReno) IncreaseWindow(sock *TcpSocket, bytesAcked int64) {
	seg := int64(sock.segSize)
	cwnd := sock.Cwnd()

	// slow start takes the window up to ssthresh, anything left over is congestion avoidance
	if cwnd < sock.ssthresh {
		grow := min(bytesAcked, sock.ssthresh-cwnd)
		cwnd += grow
		bytesAcked -= grow
	}
	if bytesAcked > 0 && cwnd >= sock.ssthresh {
		adder := max(1, seg*seg/cwnd)
		cwnd += adder
	}
	sock.setCwnd(cwnd)
}

func (nr *NewReno) SsThresh(sock *TcpSocket, bytesInFlight int64) int64 {
	return max(2*int64(sock.segSize), bytesInFlight/2)
}

func (nr *NewReno) PktsAcked(sock *TcpSocket, bytesAcked int64, ece bool) {}

// Dctcp estimates the fraction of marked bytes once per window and cuts the
// window in proportion to it
type Dctcp struct {
	NewReno

	g     float64 // estimation gain
	alpha float64

	ackedBytesEcn   int64
	ackedBytesTotal int64
	nextSeq         int64
	nextSeqValid    bool
}

func createDctcp() *Dctcp {
	dc := new(Dctcp)
	dc.g = 1.0 / 16.0
	dc.alpha = 1.0
	return dc
}

func (dc *Dctcp) Name() string {
	return "TcpDctcp"
}

// Alpha returns the current estimate of the marked fraction
func (dc *Dctcp) Alpha() float64 {
	return dc.alpha
}

func (dc *Dctcp) PktsAcked(sock *TcpSocket, bytesAcked int64, ece bool) {
	dc.ackedBytesTotal += bytesAcked
	if ece {
		dc.ackedBytesEcn += bytesAcked
	}
	if !dc.nextSeqValid {
		dc.nextSeq = sock.sndNxt
		dc.nextSeqValid = true
	}
	if sock.sndUna < dc.nextSeq {
		return
	}

	// a window has been acknowledged
	fraction := 0.0
	if dc.ackedBytesTotal > 0 {
		fraction = float64(dc.ackedBytesEcn) / float64(dc.ackedBytesTotal)
	}
	dc.alpha = (1.0-dc.g)*dc.alpha + dc.g*fraction
	dc.ackedBytesEcn = 0
	dc.ackedBytesTotal = 0
	dc.nextSeq = sock.sndNxt
}

func (dc *Dctcp) SsThresh(sock *TcpSocket, bytesInFlight int64) int64 {
	cwnd := float64(sock.Cwnd())
	return max(2*int64(sock.segSize), int64(cwnd*(1.0-dc.alpha/2.0)))
}
