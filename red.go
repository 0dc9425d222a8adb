package dumbbell

// red.go implements Random Early Detection.  An exponentially weighted average of
// the queue length drives a drop (or ECN mark) probability that grows linearly between
// MinTh and MaxTh and, in gentle mode, on to 1 at twice MaxTh

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
)

// RedQueueDisc is a RED discipline over a single drop-tail queue of MaxSize packets
type RedQueueDisc struct {
	name   string
	params RedParams
	queue  *packetFifo
	stats  *QueueDiscStats
	rng    *rngstream.RngStream

	ptc     float64 // packet transmission capacity, packets per second
	qW      float64 // averaging weight in use
	curMaxP float64 // drop probability at MaxTh
	vA, vB  float64 // coefficients of the linear probability between the thresholds
	vC, vD  float64 // coefficients of the gentle region

	qAvg     float64
	count    int  // packets since the last mark or drop
	old      bool // the average was above MinTh at the previous arrival
	idle     bool
	idleTime float64
	vProb    float64
}

// CreateRedQueueDisc is a constructor.  Thresholds of zero are derived from the link
// bandwidth, and a QW of 0 or -1 selects a weight computed from the link parameters
func CreateRedQueueDisc(name string, rp RedParams) (*RedQueueDisc, error) {
	if rp.MaxSize <= 0 {
		return nil, fmt.Errorf("RED %s: queue limit must be positive", name)
	}
	if rp.MeanPktSize <= 0 || rp.LinkBandwidth <= 0 {
		return nil, fmt.Errorf("RED %s: mean packet size and link bandwidth must be positive", name)
	}
	if rp.LInterm <= 0 {
		return nil, fmt.Errorf("RED %s: LInterm must be positive", name)
	}

	red := new(RedQueueDisc)
	red.name = name
	red.queue = createPacketFifo(rp.MaxSize)
	red.stats = createQueueDiscStats()
	red.rng = rngstream.New(name)

	red.ptc = float64(rp.LinkBandwidth) / (8.0 * float64(rp.MeanPktSize))

	if rp.MinTh == 0 && rp.MaxTh == 0 {
		// 5ms of queueing at the link rate, and never fewer than 5 packets
		targetDelay := 0.005
		rp.MinTh = math.Max(5.0, targetDelay*red.ptc)
		rp.MaxTh = 3.0 * rp.MinTh
	}
	if rp.MinTh > rp.MaxTh {
		return nil, fmt.Errorf("RED %s: MinTh %g above MaxTh %g", name, rp.MinTh, rp.MaxTh)
	}

	switch {
	case rp.QW == 0:
		red.qW = 1.0 - math.Exp(-1.0/red.ptc)
	case rp.QW == -1:
		rtt := 3.0 * (rp.LinkDelay + 1.0/red.ptc)
		red.qW = 1.0 - math.Exp(-10.0/(rtt*red.ptc))
	case rp.QW < 0 || rp.QW > 1:
		return nil, fmt.Errorf("RED %s: QW %g out of range", name, rp.QW)
	default:
		red.qW = rp.QW
	}

	red.params = rp
	red.curMaxP = 1.0 / rp.LInterm

	// with MinTh == MaxTh the linear region is empty and vA, vB are never used
	red.vA = 1.0 / (rp.MaxTh - rp.MinTh)
	red.vB = -rp.MinTh / (rp.MaxTh - rp.MinTh)
	red.vC = (1.0 - red.curMaxP) / rp.MaxTh
	red.vD = 2.0*red.curMaxP - 1.0

	red.idle = true
	red.idleTime = 0.0
	return red, nil
}

func (red *RedQueueDisc) Kind() string {
	return "RED"
}

// Name returns the name of the discipline, also the name of its rng stream
func (red *RedQueueDisc) Name() string {
	return red.name
}

// Params returns the parameters in use, thresholds resolved
func (red *RedQueueDisc) Params() RedParams {
	return red.params
}

func (red *RedQueueDisc) Stats() *QueueDiscStats {
	return red.stats
}

func (red *RedQueueDisc) Len() int {
	return red.queue.len()
}

func (red *RedQueueDisc) Bytes() int {
	return red.queue.bytes
}

// QueueAverage returns the current weighted average queue length
func (red *RedQueueDisc) QueueAverage() float64 {
	return red.qAvg
}

// estimator ages the average over m packet times and folds in the current length
func estimator(nQueued int, m float64, qAvg, qW float64) float64 {
	newAve := qAvg * math.Pow(1.0-qW, m)
	newAve += qW * float64(nQueued)
	return newAve
}

func (red *RedQueueDisc) Enqueue(pckt *Packet, now float64) bool {
	red.stats.received(pckt)
	nQueued := red.queue.len()

	// the average decays over an idle period as though small packets had been served
	m := 0.0
	if red.idle {
		m = math.Floor(red.ptc * (now - red.idleTime))
		red.idle = false
	}
	red.qAvg = estimator(nQueued, m+1, red.qAvg, red.qW)

	red.count += 1

	const (
		dtypeNone = iota
		dtypeForced
		dtypeUnforced
	)
	dropType := dtypeNone

	if red.qAvg >= red.params.MinTh && nQueued > 1 {
		if (!red.params.Gentle && red.qAvg >= red.params.MaxTh) ||
			(red.params.Gentle && red.qAvg >= 2*red.params.MaxTh) {
			dropType = dtypeForced
		} else if !red.old {
			// the first arrival above MinTh starts the count
			red.count = 1
			red.old = true
		} else if red.dropEarly() {
			dropType = dtypeUnforced
		}
	} else {
		red.vProb = 0.0
		red.old = false
	}

	switch dropType {
	case dtypeUnforced:
		if !red.params.UseEcn || !red.mark(pckt, UnforcedMark) {
			red.stats.dropped(pckt, UnforcedDrop)
			return false
		}
	case dtypeForced:
		if red.params.UseHardDrop || !red.params.UseEcn || !red.mark(pckt, ForcedMark) {
			red.stats.dropped(pckt, ForcedDrop)
			// the drop resets the count
			red.count = 0
			return false
		}
	}

	if !red.queue.push(pckt) {
		red.stats.dropped(pckt, InternalQueueDrop)
		return false
	}
	red.stats.enqueued(pckt)
	return true
}

// mark sets the CE codepoint on an ECN-capable packet, reporting whether it could
func (red *RedQueueDisc) mark(pckt *Packet, reason string) bool {
	if !pckt.Ect {
		return false
	}
	pckt.Ce = true
	red.stats.marked(pckt, reason)
	return true
}

// dropEarly decides whether an arrival between the thresholds is dropped or marked
func (red *RedQueueDisc) dropEarly() bool {
	prob1 := red.calculatePNew()
	red.vProb = red.modifyP(prob1)

	u := red.rng.RandU01()
	if u <= red.vProb {
		red.count = 0
		return true
	}
	return false
}

// calculatePNew returns the base probability for the current average
func (red *RedQueueDisc) calculatePNew() float64 {
	var p float64
	switch {
	case red.params.Gentle && red.qAvg >= red.params.MaxTh:
		p = red.vC*red.qAvg + red.vD
	case !red.params.Gentle && red.qAvg >= red.params.MaxTh:
		p = 1.0
	default:
		p = red.vA*red.qAvg + red.vB
		p *= red.curMaxP
	}
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// modifyP spreads drops out by raising the probability with the count since the last one
func (red *RedQueueDisc) modifyP(p float64) float64 {
	count := float64(red.count)
	if count*p < 1.0 {
		p = p / (1.0 - count*p)
	} else {
		p = 1.0
	}
	if p > 1.0 {
		p = 1.0
	}
	return p
}

func (red *RedQueueDisc) Dequeue(now float64) *Packet {
	pckt := red.queue.pop()
	if pckt == nil {
		red.idle = true
		red.idleTime = now
		return nil
	}
	red.stats.dequeued(pckt)
	return pckt
}
