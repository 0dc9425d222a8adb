package dumbbell

// trace.go gathers the measurements of an experiment run: time series of
// socket values written as they change, periodic samples of the bottleneck
// queue, and a manifest naming every object and file of the run

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// formatValue renders a time or value the way every trace file writes numbers
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TraceSeries is an append-only file of "<time> <value>" lines fed by one value-changed signal.
// The first change also records the value the signal held before it, stamped 0.0
type TraceSeries struct {
	Filename string
	file     *os.File
	w        *bufio.Writer

	firstPending bool
	lines        int
}

// CreateTraceSeries creates (or truncates) the file and readies the series for its first sample
func CreateTraceSeries(filename string) (*TraceSeries, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	ts := new(TraceSeries)
	ts.Filename = filename
	ts.file = f
	ts.w = bufio.NewWriter(f)
	ts.firstPending = true
	return ts, nil
}

// Record is a TraceCallback.  Write failures are ignored, tracing is best effort
func (ts *TraceSeries) Record(now, oldVal, newVal float64) {
	if ts.w == nil {
		return
	}
	if ts.firstPending {
		fmt.Fprintf(ts.w, "0.0 %s\n", formatValue(oldVal))
		ts.lines += 1
		ts.firstPending = false
	}
	fmt.Fprintf(ts.w, "%s %s\n", formatValue(now), formatValue(newVal))
	ts.lines += 1
}

// Lines returns the number of lines written
func (ts *TraceSeries) Lines() int {
	return ts.lines
}

// Close flushes and closes the file
func (ts *TraceSeries) Close() error {
	if ts.w == nil {
		return nil
	}
	ferr := ts.w.Flush()
	cerr := ts.file.Close()
	ts.w = nil
	return ReportErrs([]error{ferr, cerr})
}

// QueueSampleAccumulator keeps the running sum and count of queue samples
type QueueSampleAccumulator struct {
	Sum   float64
	Count int
}

// Add folds in a sample and returns the mean of every sample so far
func (qsa *QueueSampleAccumulator) Add(sample float64) float64 {
	qsa.Sum += sample
	qsa.Count += 1
	return qsa.Sum / float64(qsa.Count)
}

// Mean returns the mean of the samples so far, 0 before the first
func (qsa *QueueSampleAccumulator) Mean() float64 {
	if qsa.Count == 0 {
		return 0.0
	}
	return qsa.Sum / float64(qsa.Count)
}

// QueueSampler periodically samples the length of a queue discipline, appending the
// instantaneous length and the running mean to two files
type QueueSampler struct {
	disc    QueueDisc
	every   float64
	qFile   string
	avgFile string
	acc     QueueSampleAccumulator
}

// CreateQueueSampler removes any previous versions of the two files
func CreateQueueSampler(disc QueueDisc, every float64, qFile, avgFile string) (*QueueSampler, error) {
	if every <= 0 {
		return nil, fmt.Errorf("queue sampling interval must be positive")
	}
	if _, err := CheckOutputFiles([]string{qFile, avgFile}); err != nil {
		return nil, err
	}
	qs := new(QueueSampler)
	qs.disc = disc
	qs.every = every
	qs.qFile = qFile
	qs.avgFile = avgFile
	return qs, nil
}

// Accumulator returns the running sum and count
func (qs *QueueSampler) Accumulator() QueueSampleAccumulator {
	return qs.acc
}

// Start schedules the first sample after offset seconds
func (qs *QueueSampler) Start(evtMgr *evtm.EventManager, offset float64) {
	evtMgr.Schedule(qs, nil, checkQueueSize, vrtime.SecondsToTime(offset))
}

// appendLine opens, appends to and closes the file, ignoring failures
func appendLine(filename, line string) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = io.WriteString(f, line)
	_ = f.Close()
}

// checkQueueSize is the event handler that takes a queue sample and schedules the next.
// The chain ends when the event manager stops
func checkQueueSize(evtMgr *evtm.EventManager, context any, data any) any {
	qs := context.(*QueueSampler)
	qSize := qs.disc.Len()
	mean := qs.acc.Add(float64(qSize))

	evtMgr.Schedule(qs, nil, checkQueueSize, vrtime.SecondsToTime(qs.every))

	now := formatValue(evtMgr.CurrentSeconds())
	appendLine(qs.qFile, fmt.Sprintf("%s %d\n", now, qSize))
	appendLine(qs.avgFile, fmt.Sprintf("%s %s\n", now, formatValue(mean)))
	return nil
}

// Output subdirectories of a run
const (
	PcapDir  = "pcap"
	CwndDir  = "cwndTraces"
	RttDir   = "rttTraces"
	QueueDir = "queueStats"
)

// TraceCollector owns the output streams of a run and binds them to their signals
type TraceCollector struct {
	dir     string
	nw      *Network
	out     io.Writer
	series  []*TraceSeries
	sampler *QueueSampler
	pcaps   []*PcapWriter
	man     *Manifest
}

// CreateTraceCollector writes under dir, reporting subscriptions to out
func CreateTraceCollector(dir string, nw *Network, out io.Writer, man *Manifest) *TraceCollector {
	tc := new(TraceCollector)
	tc.dir = dir
	tc.nw = nw
	tc.out = out
	tc.series = make([]*TraceSeries, 0)
	tc.pcaps = make([]*PcapWriter, 0)
	tc.man = man
	return tc
}

// Series returns every flow series, in the order they were created
func (tc *TraceCollector) Series() []*TraceSeries {
	return tc.series
}

// Sampler returns the queue sampler, nil if none was started
func (tc *TraceCollector) Sampler() *QueueSampler {
	return tc.sampler
}

// subscribeReq is the data of a deferred subscription
type subscribeReq struct {
	path   string
	series *TraceSeries
}

// subscribeSeries is the event handler that binds a series to its signal
func subscribeSeries(evtMgr *evtm.EventManager, context any, data any) any {
	tc := context.(*TraceCollector)
	req := data.(*subscribeReq)
	if tc.out != nil {
		fmt.Fprintln(tc.out, req.path)
	}
	if err := tc.nw.Connect(req.path, req.series.Record); err != nil {
		panic(err)
	}
	return nil
}

// TraceFlow creates the series file of one signal of the flow's sender now and subscribes it
// at virtual time 'at'.  Label prefixes the file name, e.g. N1-<node id>-cwnd.data
func (tc *TraceCollector) TraceFlow(flw *Flow, label, attr string, at float64) (*TraceSeries, error) {
	var subdir, suffix string
	switch attr {
	case AttrCongestionWindow:
		subdir, suffix = CwndDir, "cwnd"
	case AttrRTT:
		subdir, suffix = RttDir, "rtt"
	default:
		return nil, fmt.Errorf("attribute %q cannot be traced", attr)
	}
	filename := filepath.Join(tc.dir, subdir, fmt.Sprintf("%s-%d-%s.data", label, flw.SrcID, suffix))
	ts, err := CreateTraceSeries(filename)
	if err != nil {
		return nil, err
	}
	tc.series = append(tc.series, ts)

	sigPath := fmt.Sprintf("/NodeList/%d/TcpL4Protocol/SocketList/*/%s", flw.SrcID, attr)
	if _, err := parseSubscriptionPath(sigPath); err != nil {
		return nil, err
	}
	evtMgr := tc.nw.evtMgr
	offset := at - evtMgr.CurrentSeconds()
	if offset < 0 {
		offset = 0
	}
	evtMgr.Schedule(tc, &subscribeReq{path: sigPath, series: ts}, subscribeSeries, vrtime.SecondsToTime(offset))

	if tc.man != nil {
		tc.man.AddSeries(SeriesDesc{File: relPath(tc.dir, filename), Signal: attr, NodeID: flw.SrcID, Flow: flw.Name})
	}
	return ts, nil
}

// SampleQueue starts the periodic sampler of disc at the current time
func (tc *TraceCollector) SampleQueue(disc QueueDisc, every float64) error {
	qFile := filepath.Join(tc.dir, QueueDir, "red-queue.plotme")
	avgFile := filepath.Join(tc.dir, QueueDir, "red-queue_avg.plotme")
	qs, err := CreateQueueSampler(disc, every, qFile, avgFile)
	if err != nil {
		return err
	}
	tc.sampler = qs
	qs.Start(tc.nw.evtMgr, 0.0)

	if tc.man != nil {
		tc.man.AddSeries(SeriesDesc{File: relPath(tc.dir, qFile), Signal: "QueueLength", NodeID: -1})
		tc.man.AddSeries(SeriesDesc{File: relPath(tc.dir, avgFile), Signal: "QueueLengthMean", NodeID: -1})
	}
	return nil
}

// CapturePcap records every packet through dev in pcap/s-<node id>-<device index>.pcap
func (tc *TraceCollector) CapturePcap(dev *NetDevice) error {
	filename := filepath.Join(tc.dir, PcapDir, fmt.Sprintf("s-%d-%d.pcap", dev.node.id, dev.index))
	pw, err := CreatePcapWriter(filename)
	if err != nil {
		return err
	}
	dev.AddSniffer(pw.Capture)
	tc.pcaps = append(tc.pcaps, pw)
	if tc.man != nil {
		tc.man.AddSeries(SeriesDesc{File: relPath(tc.dir, filename), Signal: "pcap", NodeID: dev.node.id})
	}
	return nil
}

// Close flushes and closes every stream, reporting all failures together
func (tc *TraceCollector) Close() error {
	errs := []error{}
	for _, ts := range tc.series {
		errs = append(errs, ts.Close())
	}
	for _, pw := range tc.pcaps {
		errs = append(errs, pw.Close())
	}
	if tc.man != nil {
		for _, ts := range tc.series {
			tc.man.SetLines(relPath(tc.dir, ts.Filename), ts.Lines())
		}
	}
	return ReportErrs(errs)
}

func relPath(dir, filename string) string {
	rel, err := filepath.Rel(dir, filename)
	if err != nil {
		return filename
	}
	return rel
}

// NameType is an entry in a dictionary created for a run
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// SeriesDesc describes one output file of a run
type SeriesDesc struct {
	File   string `json:"file" yaml:"file"`
	Signal string `json:"signal" yaml:"signal"`
	NodeID int    `json:"nodeid" yaml:"nodeid"`
	Flow   string `json:"flow,omitempty" yaml:"flow,omitempty"`
	Lines  int    `json:"lines" yaml:"lines"`
}

// FlowSummary reports what one flow achieved
type FlowSummary struct {
	Name     string   `json:"name" yaml:"name"`
	Src      string   `json:"src" yaml:"src"`
	Dst      string   `json:"dst" yaml:"dst"`
	Port     uint16   `json:"port" yaml:"port"`
	CCA      string   `json:"cca" yaml:"cca"`
	Ecn      bool     `json:"ecn" yaml:"ecn"`
	RxBytes  int64    `json:"rxbytes" yaml:"rxbytes"`
	Goodput  string   `json:"goodput" yaml:"goodput"`
	TcpStats TcpStats `json:"tcpstats" yaml:"tcpstats"`
}

// Manifest gathers information about an experiment and an execution of it:
// who is who, which file holds what, and the bottleneck statistics at the end
type Manifest struct {
	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	Protocol string       `json:"protocol" yaml:"protocol"`
	Plan     *ProfilePlan `json:"plan" yaml:"plan"`

	// text name associated with each node id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	Series []SeriesDesc `json:"series" yaml:"series"`

	// statistics of the bottleneck disciplines, by name
	Bottleneck map[string]*QueueDiscStats `json:"bottleneck" yaml:"bottleneck"`

	Flows []FlowSummary `json:"flows" yaml:"flows"`
}

// CreateManifest is a constructor
func CreateManifest(expName string) *Manifest {
	man := new(Manifest)
	man.ExpName = expName
	man.NameByID = make(map[int]NameType)
	man.Series = make([]SeriesDesc, 0)
	man.Bottleneck = make(map[string]*QueueDiscStats)
	man.Flows = make([]FlowSummary, 0)
	return man
}

// AddName is used to add an element to the id -> (name,type) dictionary
func (man *Manifest) AddName(id int, name string, objDesc string) {
	_, present := man.NameByID[id]
	if present {
		panic("duplicated id in AddName")
	}
	man.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// AddSeries records an output file
func (man *Manifest) AddSeries(sd SeriesDesc) {
	man.Series = append(man.Series, sd)
}

// SetLines records the final line count of the named file
func (man *Manifest) SetLines(file string, lines int) {
	for idx := range man.Series {
		if man.Series[idx].File == file {
			man.Series[idx].Lines = lines
		}
	}
}

// WriteToFile stores the Manifest struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (man *Manifest) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*man)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*man, "", "\t")
	} else {
		return fmt.Errorf("unrecognized extension on %s", filename)
	}

	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0o644)
}
