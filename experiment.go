package dumbbell

// experiment.go assembles one experiment from its configuration and runs it:
// profile plan, dumbbell, transport stacks, queue disciplines, addressing and
// routing, flows, measurement streams, then the event loop to the stop time

import (
	"fmt"
	"io"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// names of the files written at the top of a run directory
const (
	ExperimentFile = "experiment.yaml"
	ManifestFile   = "manifest.yaml"
	TopologyFile   = "topology.yaml"
)

// ExperimentRun holds everything a run builds, so that it can be inspected after Run returns
type ExperimentRun struct {
	Cfg  *ExpCfg
	Mode TransportMode
	Plan *ProfilePlan
	Dir  string

	Net         *Network
	Topo        *Topology
	RedDiscs    []*RedQueueDisc
	AccessDiscs []*PfifoFastQueueDisc
	Flows       []*Flow
	Collector   *TraceCollector
	Manifest    *Manifest

	out    io.Writer
	evtMgr *evtm.EventManager
	ran    bool
}

// OutputDir names the directory of a run started at 'now':
// <base>/<tag>/<dd-mm-YYYY-hh-MM-SS>, with the time rendered in the configured zone
func OutputDir(xc *ExpCfg, now time.Time) (string, error) {
	loc, err := time.LoadLocation(xc.TimeZone)
	if err != nil {
		return "", fmt.Errorf("time zone %q: %w", xc.TimeZone, err)
	}
	stamp := now.In(loc).Format("02-01-2006-03-04-05")
	return filepath.Join(xc.BaseDir, xc.Name(), stamp), nil
}

// progressPrinter reports the advance of virtual time
type progressPrinter struct {
	out   io.Writer
	every float64
}

// printProgress is the event handler that writes one progress line and schedules the next
func printProgress(evtMgr *evtm.EventManager, context any, data any) any {
	pp := context.(*progressPrinter)
	fmt.Fprintf(pp.out, "Progress to %.1f seconds simulation time\n", evtMgr.CurrentSeconds())
	evtMgr.Schedule(pp, nil, printProgress, vrtime.SecondsToTime(pp.every))
	return nil
}

// BuildExperiment performs every setup stage of the run described by xc, writing its
// output under dir.  Console output goes to out, which may be nil
func BuildExperiment(xc *ExpCfg, dir string, out io.Writer) (*ExperimentRun, error) {
	if err := xc.Validate(); err != nil {
		return nil, fmt.Errorf("experiment configuration: %w", err)
	}
	if out == nil {
		out = io.Discard
	}

	xr := new(ExperimentRun)
	xr.Cfg = xc
	xr.Dir = dir
	xr.out = out

	mode, known := ParseMode(xc.Protocol)
	if !known {
		fmt.Fprintf(out, "unrecognized protocol %q, using %s\n", xc.Protocol, mode)
	}
	xr.Mode = mode
	fmt.Fprintf(out, "Protocol: %s\n", mode)

	xr.Plan = PlanProfiles(mode, xc)
	rngstream.SetRngStreamMasterSeed(uint64(xc.RngSeed))

	xr.evtMgr = evtm.New()
	xr.Net = CreateNetwork(xr.evtMgr)

	var err error
	xr.Topo, err = BuildDumbbell(xr.Net, xc)
	if err != nil {
		return nil, err
	}
	if err = xr.Topo.InstallStacks(xr.Plan); err != nil {
		return nil, err
	}

	rp, err := BottleneckRed(xr.Plan, xc)
	if err != nil {
		return nil, err
	}
	if xr.RedDiscs, err = InstallBottleneck(xr.Topo.Bottleneck, rp); err != nil {
		return nil, err
	}
	if xr.AccessDiscs, err = InstallAccessQueues(xr.Topo.SwitchAccessDevices(), xc.AccessQueuePackets); err != nil {
		return nil, err
	}

	if err = xr.Topo.AssignAddresses(); err != nil {
		return nil, err
	}
	if err = xr.Topo.PopulateRoutingTables(); err != nil {
		return nil, err
	}

	if xr.Flows, err = InstallFlows(xr.Topo, xc.StartTime, xc.StopTime); err != nil {
		return nil, err
	}

	pp := &progressPrinter{out: out, every: xc.ProgressEvery}
	xr.evtMgr.Schedule(pp, nil, printProgress, vrtime.SecondsToTime(xc.ProgressStart))

	if err = xr.buildCollector(); err != nil {
		return nil, err
	}
	return xr, nil
}

// buildCollector creates the output tree and binds every measurement stream
func (xr *ExperimentRun) buildCollector() error {
	xc := xr.Cfg
	if err := MakeOutputDirs(xr.Dir, []string{PcapDir, CwndDir, RttDir, QueueDir}); err != nil {
		return err
	}
	if err := xc.WriteToFile(filepath.Join(xr.Dir, ExperimentFile)); err != nil {
		return err
	}

	xr.Manifest = CreateManifest(xc.Name())
	xr.Manifest.Protocol = string(xr.Mode)
	xr.Manifest.Plan = xr.Plan
	for _, node := range xr.Net.Nodes() {
		xr.Manifest.AddName(node.ID(), node.Name(), node.Role().String())
	}

	xr.Collector = CreateTraceCollector(xr.Dir, xr.Net, xr.out, xr.Manifest)

	if xc.Pcap {
		if err := xr.Collector.CapturePcap(xr.Topo.S0.Device(0)); err != nil {
			return err
		}
	}

	for _, tf := range xr.tracedFlows() {
		for _, attr := range []string{AttrCongestionWindow, AttrRTT} {
			if _, err := xr.Collector.TraceFlow(tf.flw, tf.label, attr, xc.TraceStart); err != nil {
				return err
			}
		}
	}

	return xr.Collector.SampleQueue(xr.RedDiscs[0], xc.QueueSampleEvery)
}

type tracedFlow struct {
	label string
	flw   *Flow
}

// tracedFlows returns the flows whose sender is traced: the first of each group
// labelled N1 and N2, or every flow labelled N<i+1> when all flows are traced.
// Flows are numbered in client order, so the first flow of a group is the first selected
func (xr *ExperimentRun) tracedFlows() []tracedFlow {
	rtn := []tracedFlow{}
	if xr.Cfg.TraceAllFlows {
		for idx, flw := range xr.Flows {
			rtn = append(rtn, tracedFlow{label: fmt.Sprintf("N%d", idx+1), flw: flw})
		}
		return rtn
	}
	for idx, group := range []string{"A", "B"} {
		if flws := selectFlows(xr.Flows, "group", group); len(flws) > 0 {
			rtn = append(rtn, tracedFlow{label: fmt.Sprintf("N%d", idx+1), flw: flws[0]})
		}
	}
	return rtn
}

// EventManager returns the event manager the run executes on
func (xr *ExperimentRun) EventManager() *evtm.EventManager {
	return xr.evtMgr
}

// Run executes the event loop to the stop time, reports the bottleneck statistics,
// writes the manifest and topology description and closes every stream
func (xr *ExperimentRun) Run() error {
	if xr.ran {
		return fmt.Errorf("experiment %s already ran", xr.Cfg.Name())
	}
	xr.ran = true

	xr.evtMgr.Run(xr.Cfg.StopTime)

	if xr.Cfg.PrintRedStats {
		for idx, red := range xr.RedDiscs {
			fmt.Fprintf(xr.out, "*** RED stats from S%d queue disc ***\n", idx)
			red.Stats().Print(xr.out)
		}
	}

	errs := []error{xr.Collector.Close()}

	for _, red := range xr.RedDiscs {
		xr.Manifest.Bottleneck[red.Name()] = red.Stats()
	}
	for _, flw := range xr.Flows {
		xr.Manifest.Flows = append(xr.Manifest.Flows, summarizeFlow(flw))
	}

	errs = append(errs, xr.Manifest.WriteToFile(filepath.Join(xr.Dir, ManifestFile)))
	td := DescribeNetwork(xr.Cfg.Name(), xr.Net)
	errs = append(errs, td.WriteToFile(filepath.Join(xr.Dir, TopologyFile)))
	return ReportErrs(errs)
}

// summarizeFlow gathers the end-of-run figures of one flow
func summarizeFlow(flw *Flow) FlowSummary {
	fs := FlowSummary{Name: flw.Name, Src: flw.Src, Dst: flw.Dst, Port: flw.Port}
	fs.RxBytes = flw.Sink.TotalRx()
	fs.Goodput = flw.Sink.Goodput().String()
	if sock := flw.Sender.Socket(); sock != nil {
		fs.CCA = sock.CongestionOps().Name()
		fs.Ecn = sock.EcnNegotiated()
		fs.TcpStats = sock.Stats()
	}
	return fs
}

// RunExperiment builds and runs the experiment in a fresh timestamped directory
func RunExperiment(xc *ExpCfg, out io.Writer) (*ExperimentRun, error) {
	dir, err := OutputDir(xc, time.Now())
	if err != nil {
		return nil, err
	}
	xr, err := BuildExperiment(xc, dir, out)
	if err != nil {
		return nil, err
	}
	if err := xr.Run(); err != nil {
		return xr, err
	}
	return xr, nil
}
