package dumbbell

import (
	"testing"
)

// singleFlow builds a one-client dumbbell running mode and installs its flow
func singleFlow(t *testing.T, mode TransportMode, stop float64) (*Topology, *Flow) {
	t.Helper()
	xc := DefaultExpCfg()
	xc.GroupA, xc.GroupB, xc.Receivers = 1, 0, 1
	topo := builtDumbbell(t, xc, mode)
	flows, err := InstallFlows(topo, 0.0, stop)
	if err != nil {
		t.Fatal(err)
	}
	return topo, flows[0]
}

func TestSingleFlowTransfers(t *testing.T) {
	topo, flw := singleFlow(t, ModeTcp, 0.05)
	nw := topo.Network()

	type change struct{ now, oldVal, newVal float64 }
	cwnds := []change{}
	// the sender's socket only opens once the run starts
	err := nw.Connect("/NodeList/0/TcpL4Protocol/SocketList/*/CongestionWindow", func(now, oldVal, newVal float64) {
		cwnds = append(cwnds, change{now, oldVal, newVal})
	})
	if err != nil {
		t.Fatal(err)
	}

	nw.EventManager().Run(0.05)

	sock := flw.Sender.Socket()
	if sock == nil || !sock.Established() {
		t.Fatal("connection never opened")
	}
	if sock.EcnNegotiated() {
		t.Error("loss-based flow negotiated ECN")
	}
	if sock.CongestionOps().Name() != "TcpNewReno" {
		t.Errorf("congestion control %s", sock.CongestionOps().Name())
	}

	// about 6MB fit through a 1Gbps path in 50ms
	if rx := flw.Sink.TotalRx(); rx < 1000000 {
		t.Errorf("only %d bytes received", rx)
	}
	if flw.Sink.TotalRx() > flw.Sender.SentBytes() {
		t.Errorf("received %d of %d bytes sent", flw.Sink.TotalRx(), flw.Sender.SentBytes())
	}
	if rtt := sock.SmoothedRtt(); rtt < 50e-6 || rtt > 5e-3 {
		t.Errorf("smoothed RTT %g", rtt)
	}
	if st := sock.Stats(); st.Retransmits != 0 || st.Timeouts != 0 || st.BytesAcked == 0 {
		t.Errorf("stats %+v", st)
	}

	if len(cwnds) == 0 {
		t.Fatal("no congestion window changes seen")
	}
	if cwnds[0].oldVal != float64(10*1448) {
		t.Errorf("initial window %g", cwnds[0].oldVal)
	}
	for idx := 1; idx < len(cwnds); idx++ {
		if cwnds[idx].now < cwnds[idx-1].now || cwnds[idx].oldVal != cwnds[idx-1].newVal {
			t.Fatalf("change %d out of sequence: %+v after %+v", idx, cwnds[idx], cwnds[idx-1])
		}
	}
	if sock.Cwnd() <= int64(10*1448) {
		t.Errorf("window did not grow: %d", sock.Cwnd())
	}
}

func TestDctcpFlowNegotiatesEcn(t *testing.T) {
	topo, flw := singleFlow(t, ModeDctcp, 0.01)
	topo.Network().EventManager().Run(0.01)

	sock := flw.Sender.Socket()
	if sock == nil || !sock.EcnNegotiated() {
		t.Fatal("DCTCP flow did not negotiate ECN")
	}
	dc, ok := sock.CongestionOps().(*Dctcp)
	if !ok {
		t.Fatalf("congestion control %s", sock.CongestionOps().Name())
	}
	// nothing is marked on an uncongested path, so the estimate decays from 1
	if dc.Alpha() >= 1.0 || dc.Alpha() < 0 {
		t.Errorf("alpha %g", dc.Alpha())
	}
	if flw.Sink.TotalRx() == 0 {
		t.Error("nothing received")
	}
}

func TestSenderAfterStopNeverStarts(t *testing.T) {
	topo, flw := singleFlow(t, ModeTcp, 0.0)
	topo.Network().EventManager().Run(0.01)
	if flw.Sender.Socket() != nil || flw.Sink.TotalRx() != 0 {
		t.Error("a flow with a zero-length window sent data")
	}
	if len(topo.GroupA[0].Tcp().Sockets()) != 0 {
		t.Error("socket created")
	}
}

func TestConnectRejectsBadPaths(t *testing.T) {
	topo, _ := singleFlow(t, ModeTcp, 1.0)
	nw := topo.Network()
	if err := nw.Connect("/NodeList/99/TcpL4Protocol/SocketList/*/RTT", func(float64, float64, float64) {}); err == nil {
		t.Error("path naming a missing node accepted")
	}
	if err := nw.Connect("/Names/a0/RTT", func(float64, float64, float64) {}); err == nil {
		t.Error("malformed path accepted")
	}
}

func TestNewRenoWindow(t *testing.T) {
	topo, _ := singleFlow(t, ModeTcp, 1.0)
	sock := topo.GroupA[0].Tcp().CreateSocket()
	nr := new(NewReno)

	// slow start grows by the bytes acknowledged, up to ssthresh
	sock.ssthresh = 20000
	nr.IncreaseWindow(sock, 1448)
	if sock.Cwnd() != 14480+1448 {
		t.Errorf("slow start window %d", sock.Cwnd())
	}
	nr.IncreaseWindow(sock, 10000)
	if sock.Cwnd() != 20000+1448*1448/20000 {
		t.Errorf("window crossing ssthresh %d", sock.Cwnd())
	}
	if got := nr.SsThresh(sock, 10000); got != 5000 {
		t.Errorf("ssthresh %d", got)
	}
	if got := nr.SsThresh(sock, 1000); got != 2*1448 {
		t.Errorf("ssthresh floor %d", got)
	}
}

func TestDctcpReduction(t *testing.T) {
	topo, _ := singleFlow(t, ModeDctcp, 1.0)
	sock := topo.GroupA[0].Tcp().CreateSocket()
	dc := sock.CongestionOps().(*Dctcp)

	// alpha starts at 1, so the first reduction halves the window
	if got := dc.SsThresh(sock, 0); got != 14480/2 {
		t.Errorf("first reduction to %d", got)
	}

	// alpha moves once per window, here a window without marks pulls it down by g
	sock.sndNxt = 10000
	dc.PktsAcked(sock, 5000, false)
	sock.sndUna = 10000
	dc.PktsAcked(sock, 5000, false)
	if want := 1.0 - 1.0/16.0; dc.Alpha() != want {
		t.Errorf("alpha %g, want %g", dc.Alpha(), want)
	}
}
