package dumbbell

// PfifoFastQueueDisc holds three drop-tail bands served in strict priority order.
// A packet's band is chosen from its priority, and the limit bounds the packets
// held across all bands
type PfifoFastQueueDisc struct {
	bands [3]*packetFifo
	limit int
	stats *QueueDiscStats
}

// prio2band maps the priority of a packet to a band, band 0 served first
var prio2band = [16]int{1, 2, 2, 2, 1, 2, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1}

// CreatePfifoFastQueueDisc is a constructor
func CreatePfifoFastQueueDisc(limit int) *PfifoFastQueueDisc {
	pf := new(PfifoFastQueueDisc)
	pf.limit = limit
	for idx := range pf.bands {
		pf.bands[idx] = createPacketFifo(limit)
	}
	pf.stats = createQueueDiscStats()
	return pf
}

func (pf *PfifoFastQueueDisc) Kind() string {
	return "pfifo_fast"
}

func (pf *PfifoFastQueueDisc) Stats() *QueueDiscStats {
	return pf.stats
}

// Limit returns the maximum number of packets held
func (pf *PfifoFastQueueDisc) Limit() int {
	return pf.limit
}

func (pf *PfifoFastQueueDisc) Len() int {
	n := 0
	for _, band := range pf.bands {
		n += band.len()
	}
	return n
}

func (pf *PfifoFastQueueDisc) Bytes() int {
	n := 0
	for _, band := range pf.bands {
		n += band.bytes
	}
	return n
}

// BandLen returns the number of packets held in one band
func (pf *PfifoFastQueueDisc) BandLen(band int) int {
	return pf.bands[band].len()
}

func (pf *PfifoFastQueueDisc) Enqueue(pckt *Packet, now float64) bool {
	pf.stats.received(pckt)
	if pf.Len() >= pf.limit {
		pf.stats.dropped(pckt, LimitExceededDrop)
		return false
	}

	band := prio2band[pckt.Priority&0x0f]
	if !pf.bands[band].push(pckt) {
		pf.stats.dropped(pckt, InternalQueueDrop)
		return false
	}
	pf.stats.enqueued(pckt)
	return true
}

func (pf *PfifoFastQueueDisc) Dequeue(now float64) *Packet {
	for _, band := range pf.bands {
		if pckt := band.pop(); pckt != nil {
			pf.stats.dequeued(pckt)
			return pckt
		}
	}
	return nil
}
