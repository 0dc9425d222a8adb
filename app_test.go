package dumbbell

import (
	"testing"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// runWithin runs evtMgr to stop, failing the test if that takes longer than a
// wall-clock deadline
func runWithin(t *testing.T, evtMgr *evtm.EventManager, stop float64) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		evtMgr.Run(stop)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatalf("virtual time stuck at %.9f on the way to %g", evtMgr.CurrentSeconds(), stop)
	}
}

func TestOnOffPacing(t *testing.T) {
	tests := []struct {
		name    string
		rate    DataRate
		pktSize int
	}{
		{"reference 800 ticks", 10 * Gbps, 1000},
		{"0.8 ticks", 1000 * Gbps, 100},
		{"0.4 ticks", 2000 * Gbps, 100},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			xc := DefaultExpCfg()
			xc.GroupA, xc.GroupB, xc.Receivers = 1, 0, 1
			topo := builtDumbbell(t, xc, ModeTcp)
			if vrtime.TicksPerSecond != TicksPerSecond {
				t.Fatalf("clock runs at %d ticks per second", vrtime.TicksPerSecond)
			}

			stop := 0.004
			sink, err := InstallSink(topo.Receivers[0], 50000, 0.0, stop)
			if err != nil {
				t.Fatal(err)
			}
			addr, err := topo.ReceiverAddr(0)
			if err != nil {
				t.Fatal(err)
			}
			app, err := InstallOnOff(topo.GroupA[0], addr, 50000, test.rate, test.pktSize, 0.0, stop)
			if err != nil {
				t.Fatal(err)
			}

			evtMgr := topo.Network().EventManager()
			runWithin(t, evtMgr, stop/2)
			half := app.SentBytes()
			if half == 0 {
				t.Fatal("nothing written by half time")
			}
			runWithin(t, evtMgr, stop)

			if app.SentBytes() <= half {
				t.Errorf("%d bytes written at half time and %d at the end", half, app.SentBytes())
			}
			if now := evtMgr.CurrentSeconds(); now < stop-1e-12 {
				t.Errorf("run ended at %g before %g", now, stop)
			}
			if sink.TotalRx() == 0 || sink.TotalRx() > app.SentBytes() {
				t.Errorf("received %d of %d bytes", sink.TotalRx(), app.SentBytes())
			}
		})
	}
}

func TestOnOffRejectsBadSettings(t *testing.T) {
	xc := DefaultExpCfg()
	xc.GroupA, xc.GroupB, xc.Receivers = 1, 0, 1
	topo := builtDumbbell(t, xc, ModeTcp)
	addr, _ := topo.ReceiverAddr(0)

	if _, err := InstallOnOff(topo.GroupA[0], addr, 50000, 0, 1000, 0.0, 1.0); err == nil {
		t.Error("zero rate accepted")
	}
	if _, err := InstallOnOff(topo.GroupA[0], addr, 50000, Gbps, 0, 0.0, 1.0); err == nil {
		t.Error("zero packet size accepted")
	}
}
