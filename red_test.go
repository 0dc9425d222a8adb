package dumbbell

import (
	"math"
	"testing"
)

func testPacket(size int, ect bool) *Packet {
	return &Packet{Size: size, Payload: size - tcpHeaderBytes, Ect: ect}
}

func TestRedAutoThresholds(t *testing.T) {
	rp := defaultRedParams()
	rp.MinTh, rp.MaxTh = 0, 0
	rp.LinkBandwidth = 1 * Gbps
	rp.MeanPktSize = 1000

	red, err := CreateRedQueueDisc("auto", rp)
	if err != nil {
		t.Fatal(err)
	}
	// 125000 packets per second, 5ms of them
	if got := red.Params().MinTh; math.Abs(got-625) > 1e-9 {
		t.Errorf("MinTh %g", got)
	}
	if got := red.Params().MaxTh; math.Abs(got-1875) > 1e-9 {
		t.Errorf("MaxTh %g", got)
	}

	// slow links never go below 5 packets
	rp.LinkBandwidth = 100 * Kbps
	red, err = CreateRedQueueDisc("slow", rp)
	if err != nil {
		t.Fatal(err)
	}
	if red.Params().MinTh != 5 || red.Params().MaxTh != 15 {
		t.Errorf("thresholds %g, %g", red.Params().MinTh, red.Params().MaxTh)
	}
}

func TestRedRejectsBadParams(t *testing.T) {
	for name, modify := range map[string]func(*RedParams){
		"no room":      func(rp *RedParams) { rp.MaxSize = 0 },
		"inverted":     func(rp *RedParams) { rp.MinTh, rp.MaxTh = 20, 10 },
		"weight":       func(rp *RedParams) { rp.QW = 2 },
		"no bandwidth": func(rp *RedParams) { rp.LinkBandwidth = 0 },
		"no LInterm":   func(rp *RedParams) { rp.LInterm = 0 },
	} {
		rp := defaultRedParams()
		modify(&rp)
		if _, err := CreateRedQueueDisc(name, rp); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

// with an instantaneous average and a single threshold every ECN capable
// arrival beyond twice the threshold is marked, never dropped
func TestRedMarksAboveThreshold(t *testing.T) {
	rp := defaultRedParams()
	rp.UseEcn = true
	rp.UseHardDrop = false
	rp.QW = 1
	rp.MaxSize = 100
	rp.MinTh, rp.MaxTh = 5, 5

	red, err := CreateRedQueueDisc("marks", rp)
	if err != nil {
		t.Fatal(err)
	}
	for idx := 0; idx < 40; idx++ {
		if !red.Enqueue(testPacket(1500, true), 0.0) {
			t.Fatalf("ECN capable packet %d dropped", idx)
		}
	}
	st := red.Stats()
	if st.DroppedPackets != 0 {
		t.Errorf("%d drops", st.DroppedPackets)
	}
	// arrivals that see 10 or more queued are forced marks
	if st.MarksFor(ForcedMark) != 30 {
		t.Errorf("%d forced marks", st.MarksFor(ForcedMark))
	}
	if st.MarkedPackets < st.MarksFor(ForcedMark) || st.EnqueuedPackets != 40 {
		t.Errorf("stats %+v", st)
	}
	if red.Len() != 40 || red.Bytes() != 40*1500 {
		t.Errorf("holding %d packets, %d bytes", red.Len(), red.Bytes())
	}
}

// the same discipline drops what it cannot mark
func TestRedDropsNotEct(t *testing.T) {
	rp := defaultRedParams()
	rp.UseEcn = true
	rp.UseHardDrop = false
	rp.QW = 1
	rp.MaxSize = 100
	rp.MinTh, rp.MaxTh = 5, 5

	red, err := CreateRedQueueDisc("drops", rp)
	if err != nil {
		t.Fatal(err)
	}
	accepted := 0
	for idx := 0; idx < 40; idx++ {
		if red.Enqueue(testPacket(1500, false), 0.0) {
			accepted += 1
		}
	}
	st := red.Stats()
	if st.MarkedPackets != 0 {
		t.Errorf("%d non-ECT packets marked", st.MarkedPackets)
	}
	if st.DroppedPackets == 0 || st.DropsFor(ForcedDrop)+st.DropsFor(UnforcedDrop) != st.DroppedPackets {
		t.Errorf("drops %+v", st.Drops)
	}
	if accepted+st.DroppedPackets != 40 || accepted != red.Len() {
		t.Errorf("accepted %d, dropped %d, holding %d", accepted, st.DroppedPackets, red.Len())
	}
	if red.Len() > 2*5 {
		t.Errorf("queue grew to %d", red.Len())
	}
}

// a slow average never reaches MinTh, so the queue limit is what drops
func TestRedInternalQueueLimit(t *testing.T) {
	rp := defaultRedParams()
	rp.MaxSize = 25
	rp.MinTh, rp.MaxTh = 50, 150

	red, err := CreateRedQueueDisc("limit", rp)
	if err != nil {
		t.Fatal(err)
	}
	for idx := 0; idx < 30; idx++ {
		red.Enqueue(testPacket(1000, false), 0.0)
	}
	st := red.Stats()
	if st.DropsFor(InternalQueueDrop) != 5 || st.DroppedPackets != 5 || st.MarkedPackets != 0 {
		t.Errorf("drops %+v", st.Drops)
	}
	if red.QueueAverage() >= rp.MinTh {
		t.Errorf("average %g", red.QueueAverage())
	}

	for idx := 0; idx < 25; idx++ {
		if red.Dequeue(0.001) == nil {
			t.Fatalf("queue empty after %d", idx)
		}
	}
	if red.Dequeue(0.001) != nil || st.DequeuedPackets != 25 {
		t.Error("dequeue past the end")
	}
}

// an idle period ages the average as though the link had been serving packets
func TestRedIdleAging(t *testing.T) {
	rp := defaultRedParams()
	rp.QW = 0.5
	rp.MaxSize = 100
	rp.MinTh, rp.MaxTh = 50, 150
	rp.LinkBandwidth = 1 * Mbps
	rp.MeanPktSize = 125 // 1000 packets per second

	red, err := CreateRedQueueDisc("idle", rp)
	if err != nil {
		t.Fatal(err)
	}
	for idx := 0; idx < 10; idx++ {
		red.Enqueue(testPacket(125, false), 0.0)
	}
	busy := red.QueueAverage()
	for red.Dequeue(0.0) != nil {
	}
	red.Dequeue(0.0)

	// 10ms idle is 10 packet times: aged by 0.5^11 before the empty queue is folded in
	red.Enqueue(testPacket(125, false), 0.010)
	want := busy * math.Pow(0.5, 11)
	if got := red.QueueAverage(); math.Abs(got-want) > 1e-12 {
		t.Errorf("average after idle %g, want %g", got, want)
	}
}

func TestPfifoFastBands(t *testing.T) {
	pf := CreatePfifoFastQueueDisc(4)

	low := &Packet{Size: 100, Priority: 1}  // band 2
	norm := &Packet{Size: 100, Priority: 0} // band 1
	high := &Packet{Size: 100, Priority: 6} // band 0

	for _, p := range []*Packet{low, norm, high} {
		if !pf.Enqueue(p, 0.0) {
			t.Fatal("packet refused below the limit")
		}
	}
	if pf.BandLen(0) != 1 || pf.BandLen(1) != 1 || pf.BandLen(2) != 1 {
		t.Errorf("bands %d %d %d", pf.BandLen(0), pf.BandLen(1), pf.BandLen(2))
	}
	if !pf.Enqueue(&Packet{Size: 100}, 0.0) {
		t.Fatal("fourth packet refused")
	}
	if pf.Enqueue(&Packet{Size: 100}, 0.0) {
		t.Error("limit exceeded")
	}
	if pf.Stats().DropsFor(LimitExceededDrop) != 1 || pf.Len() != 4 || pf.Bytes() != 400 {
		t.Errorf("len %d, bytes %d, drops %+v", pf.Len(), pf.Bytes(), pf.Stats().Drops)
	}

	if pf.Dequeue(0.0) != high || pf.Dequeue(0.0) != norm {
		t.Error("bands not served in priority order")
	}
	pf.Dequeue(0.0)
	if pf.Dequeue(0.0) != low || pf.Dequeue(0.0) != nil {
		t.Error("lowest band not served last")
	}
	if pf.Stats().DequeuedPackets != 4 || pf.Limit() != 4 {
		t.Errorf("stats %+v", pf.Stats())
	}
}
