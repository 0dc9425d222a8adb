package dumbbell

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// shortRun builds and runs a scenario of the reference experiment over stop seconds
func shortRun(t *testing.T, protocol string, stop float64) (*ExperimentRun, string) {
	t.Helper()
	xc := DefaultExpCfg()
	xc.Protocol = protocol
	xc.StopTime = stop
	xc.ProgressStart = 0.1
	var out bytes.Buffer
	xr, err := BuildExperiment(xc, t.TempDir(), &out)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- xr.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(60 * time.Second):
		t.Fatalf("%s run stuck at %.9f virtual seconds", protocol, xr.EventManager().CurrentSeconds())
	}
	return xr, out.String()
}

// checkSeries verifies the layout of a flow series: the backfilled "0.0 <old>"
// line, then samples from the subscription time on, in time order
func checkSeries(t *testing.T, filename string, from float64) {
	t.Helper()
	times, _ := readSeries(t, filename)
	if len(times) < 2 {
		t.Fatalf("%s has %d lines", filename, len(times))
	}
	if times[0] != 0.0 || times[1] < from {
		t.Errorf("%s starts at %g, %g", filename, times[0], times[1])
	}
	for idx := 2; idx < len(times); idx++ {
		if times[idx] < times[idx-1] {
			t.Fatalf("%s goes back in time at line %d", filename, idx+1)
		}
	}
}

func TestDctcpScenario(t *testing.T) {
	xr, out := shortRun(t, "dctcp", 0.3)

	st := xr.RedDiscs[0].Stats()
	if st.MarkedPackets == 0 {
		t.Error("no packets marked at the bottleneck")
	}
	if st.DroppedPackets != 0 {
		t.Errorf("%d packets dropped at the bottleneck: %+v", st.DroppedPackets, st.Drops)
	}
	for _, flw := range xr.Flows {
		sock := flw.Sender.Socket()
		if !sock.EcnNegotiated() || sock.CongestionOps().Name() != "TcpDctcp" {
			t.Errorf("%s runs %s, ECN %v", flw.Name, sock.CongestionOps().Name(), sock.EcnNegotiated())
		}
	}

	if !strings.HasPrefix(out, "Protocol: dctcp\n") {
		t.Errorf("output starts %q", out[:min(len(out), 40)])
	}
	for _, want := range []string{
		"/NodeList/0/TcpL4Protocol/SocketList/*/CongestionWindow",
		"/NodeList/2/TcpL4Protocol/SocketList/*/RTT",
		"Progress to 0.2 seconds simulation time",
		"*** RED stats from S0 queue disc ***",
		"*** RED stats from S1 queue disc ***",
		UnforcedMark,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q", want)
		}
	}
}

func TestTcpScenario(t *testing.T) {
	xr, _ := shortRun(t, "tcp", 0.3)

	st := xr.RedDiscs[0].Stats()
	if st.DroppedPackets == 0 {
		t.Error("no packets dropped at the bottleneck")
	}
	if st.MarkedPackets != 0 {
		t.Errorf("%d packets marked without ECN", st.MarkedPackets)
	}
	if xr.RedDiscs[0].Params().SingleThreshold() {
		t.Error("loss-based bottleneck has a single threshold")
	}

	retransmits := 0
	for _, flw := range xr.Flows {
		if flw.Sender.Socket().EcnNegotiated() {
			t.Errorf("%s negotiated ECN", flw.Name)
		}
		retransmits += flw.Sender.Socket().Stats().Retransmits
	}
	if retransmits == 0 {
		t.Error("drops caused no retransmissions")
	}
}

func TestMixedScenario(t *testing.T) {
	xr, _ := shortRun(t, "mixed", 0.3)

	for _, flw := range xr.Flows {
		sock := flw.Sender.Socket()
		switch flw.Groups[0] {
		case "A":
			if sock.EcnNegotiated() || sock.CongestionOps().Name() != "TcpNewReno" {
				t.Errorf("%s in group A runs %s, ECN %v", flw.Name, sock.CongestionOps().Name(), sock.EcnNegotiated())
			}
			if sock.Stats().EcnReductions != 0 {
				t.Errorf("%s reacted to ECN", flw.Name)
			}
		case "B":
			if !sock.EcnNegotiated() || sock.CongestionOps().Name() != "TcpDctcp" {
				t.Errorf("%s in group B runs %s, ECN %v", flw.Name, sock.CongestionOps().Name(), sock.EcnNegotiated())
			}
		}
	}

	st := xr.RedDiscs[0].Stats()
	if st.MarkedPackets == 0 || st.DroppedPackets == 0 {
		t.Errorf("bottleneck marked %d and dropped %d", st.MarkedPackets, st.DroppedPackets)
	}
	if !xr.RedDiscs[0].Params().SingleThreshold() {
		t.Error("mixed bottleneck does not use the single threshold")
	}
}

func TestRunOutputFiles(t *testing.T) {
	xr, _ := shortRun(t, "mixed", 0.1)
	dir := xr.Dir

	for _, name := range []string{"N1-0-cwnd.data", "N2-2-cwnd.data"} {
		checkSeries(t, filepath.Join(dir, CwndDir, name), xr.Cfg.TraceStart)
	}
	for _, name := range []string{"N1-0-rtt.data", "N2-2-rtt.data"} {
		checkSeries(t, filepath.Join(dir, RttDir, name), xr.Cfg.TraceStart)
	}

	times, lengths := readSeries(t, filepath.Join(dir, QueueDir, "red-queue.plotme"))
	avgTimes, avgs := readSeries(t, filepath.Join(dir, QueueDir, "red-queue_avg.plotme"))
	// one sample every 10ms from time zero, the last may fall on the stop time
	if len(times) < 10 || len(times) > 11 || len(avgTimes) != len(times) {
		t.Fatalf("%d queue samples, %d averages", len(times), len(avgTimes))
	}
	sum := 0.0
	for idx := range lengths {
		sum += lengths[idx]
		if want := sum / float64(idx+1); avgs[idx] < want-1e-9 || avgs[idx] > want+1e-9 {
			t.Errorf("average %d is %g, want %g", idx, avgs[idx], want)
		}
	}

	info, err := os.Stat(filepath.Join(dir, PcapDir, "s-8-0.pcap"))
	if err != nil || info.Size() <= 24 {
		t.Errorf("bottleneck capture: %v", err)
	}

	man, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"protocol: mixed", "red-s0-0", "N1-0-cwnd.data", "name: s1"} {
		if !strings.Contains(string(man), want) {
			t.Errorf("manifest lacks %q", want)
		}
	}

	xc, err := ReadExpCfg(filepath.Join(dir, ExperimentFile), true, nil)
	if err != nil || *xc != *xr.Cfg {
		t.Errorf("experiment file read back as %+v, %v", xc, err)
	}
	td, err := ReadTopoDesc(filepath.Join(dir, TopologyFile), true, nil)
	if err != nil || len(td.Nodes) != 10 {
		t.Errorf("topology file: %v", err)
	}

	if err := xr.Run(); err == nil {
		t.Error("experiment ran twice")
	}
}

func TestTraceAllFlows(t *testing.T) {
	xc := DefaultExpCfg()
	xc.Protocol = "dctcp"
	xc.StopTime = 0.05
	xc.TraceAllFlows = true
	xc.Pcap = false
	xr, err := BuildExperiment(xc, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := xr.Run(); err != nil {
		t.Fatal(err)
	}
	for idx, flw := range xr.Flows {
		filename := filepath.Join(xr.Dir, CwndDir, fmt.Sprintf("N%d-%d-cwnd.data", idx+1, flw.SrcID))
		checkSeries(t, filename, xc.TraceStart)
	}
	if entries, _ := os.ReadDir(filepath.Join(xr.Dir, PcapDir)); len(entries) != 0 {
		t.Errorf("%d capture files with capture off", len(entries))
	}
}

// a run that stops at time zero leaves the flow series empty
func TestZeroStopTime(t *testing.T) {
	xr, _ := shortRun(t, "tcp", 0.0)
	for _, name := range []string{
		filepath.Join(CwndDir, "N1-0-cwnd.data"),
		filepath.Join(CwndDir, "N2-2-cwnd.data"),
		filepath.Join(RttDir, "N1-0-rtt.data"),
		filepath.Join(RttDir, "N2-2-rtt.data"),
	} {
		info, err := os.Stat(filepath.Join(xr.Dir, name))
		if err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
		if info.Size() != 0 {
			t.Errorf("%s holds %d bytes", name, info.Size())
		}
	}
	for _, flw := range xr.Flows {
		if flw.Sender.Socket() != nil || flw.Sink.TotalRx() != 0 {
			t.Errorf("%s carried traffic", flw.Name)
		}
	}
}

func TestUnknownProtocolFallsBack(t *testing.T) {
	xc := DefaultExpCfg()
	xc.Protocol = "cubic"
	xc.StopTime = 0.0
	var out bytes.Buffer
	xr, err := BuildExperiment(xc, t.TempDir(), &out)
	if err != nil {
		t.Fatal(err)
	}
	if xr.Mode != ModeTcp || !strings.Contains(out.String(), "Protocol: tcp") {
		t.Errorf("mode %s, output %q", xr.Mode, out.String())
	}
	if !strings.Contains(out.String(), `unrecognized protocol "cubic"`) {
		t.Error("fallback not reported")
	}
}

func TestTracedFlowsFirstOfGroup(t *testing.T) {
	tests := []struct {
		groupA, groupB int
		labels         []string
		flowIDs        []int
	}{
		{2, 2, []string{"N1", "N2"}, []int{0, 2}},
		{3, 1, []string{"N1", "N2"}, []int{0, 3}},
		{0, 2, []string{"N2"}, []int{0}},
		{1, 0, []string{"N1"}, []int{0}},
	}
	for _, test := range tests {
		xc := DefaultExpCfg()
		xc.Protocol = "mixed"
		xc.StopTime = 0.0
		xc.GroupA, xc.GroupB, xc.Receivers = test.groupA, test.groupB, test.groupA+test.groupB
		xr, err := BuildExperiment(xc, t.TempDir(), nil)
		if err != nil {
			t.Fatal(err)
		}
		traced := xr.tracedFlows()
		if len(traced) != len(test.labels) {
			t.Fatalf("%d+%d clients trace %d flows", test.groupA, test.groupB, len(traced))
		}
		for idx, tf := range traced {
			if tf.label != test.labels[idx] || tf.flw.FlowID != test.flowIDs[idx] {
				t.Errorf("%d+%d clients: traced %s as %s", test.groupA, test.groupB, tf.flw.Name, tf.label)
			}
		}
	}
}

func TestBuildExperimentRejectsCounts(t *testing.T) {
	xc := DefaultExpCfg()
	xc.Receivers = 5
	if _, err := BuildExperiment(xc, t.TempDir(), nil); err == nil {
		t.Error("5 receivers for 4 clients accepted")
	}
}

func TestOutputDir(t *testing.T) {
	xc := DefaultExpCfg()
	xc.BaseDir = "simulations"
	xc.SimName = "dctcp-run"

	// 14:07:09 UTC is 08:07:09 in Chicago before daylight saving starts
	now := time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)
	dir, err := OutputDir(xc, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("simulations", "dctcp-run", "05-03-2024-08-07-09"); dir != want {
		t.Errorf("output dir %s, want %s", dir, want)
	}

	xc.TimeZone = "Nowhere/Special"
	if _, err := OutputDir(xc, now); err == nil {
		t.Error("unknown time zone accepted")
	}
}
