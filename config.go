package dumbbell

// config.go defines the description of an experiment: the topology sizes,
// link parameters, queue thresholds, application settings and the
// locations of output.  The struct is pointer free so that it serializes
// directly to yaml or json.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// ExpCfg holds every parameter of one experiment run
type ExpCfg struct {
	// transport protocol mode: "tcp", "dctcp" or "mixed"
	Protocol string `json:"protocol" yaml:"protocol"`

	// tag used to name the output directory, defaults to Protocol
	SimName string `json:"simname" yaml:"simname"`

	// root of all output directories
	BaseDir string `json:"basedir" yaml:"basedir"`

	// location used to render the timestamp of the output directory
	TimeZone string `json:"timezone" yaml:"timezone"`

	// number of clients in each group, and of receivers
	GroupA    int `json:"groupa" yaml:"groupa"`
	GroupB    int `json:"groupb" yaml:"groupb"`
	Receivers int `json:"receivers" yaml:"receivers"`
	Switches  int `json:"switches" yaml:"switches"`

	// link parameters, as strings like "1Gbps" and "10us"
	BottleneckRate  string `json:"bottleneckrate" yaml:"bottleneckrate"`
	BottleneckDelay string `json:"bottleneckdelay" yaml:"bottleneckdelay"`
	AccessRate      string `json:"accessrate" yaml:"accessrate"`
	AccessDelay     string `json:"accessdelay" yaml:"accessdelay"`

	// RED thresholds for the loss-based profile
	MinTh float64 `json:"minth" yaml:"minth"`
	MaxTh float64 `json:"maxth" yaml:"maxth"`

	// single marking threshold of the bottleneck when DCTCP is active
	K float64 `json:"k" yaml:"k"`

	// MinTh default installed by the DCTCP profile
	DctcpMinTh float64 `json:"dctcpminth" yaml:"dctcpminth"`

	// link hints handed to RED under the loss-based profile
	RedLinkBandwidth string `json:"redlinkbandwidth" yaml:"redlinkbandwidth"`
	RedLinkDelay     string `json:"redlinkdelay" yaml:"redlinkdelay"`

	// pfifo_fast band depth on access links, in packets
	AccessQueuePackets int `json:"accessqueuepackets" yaml:"accessqueuepackets"`

	// sender application
	ClientRate string `json:"clientrate" yaml:"clientrate"`
	PacketSize int    `json:"packetsize" yaml:"packetsize"`

	// transport parameters
	SegmentSize int     `json:"segmentsize" yaml:"segmentsize"`
	InitialCwnd int     `json:"initialcwnd" yaml:"initialcwnd"`
	SndBufSize  int     `json:"sndbufsize" yaml:"sndbufsize"`
	InitialRtt  float64 `json:"initialrtt" yaml:"initialrtt"`
	MinRto      float64 `json:"minrto" yaml:"minrto"`

	// timing, in seconds
	StartTime        float64 `json:"starttime" yaml:"starttime"`
	StopTime         float64 `json:"stoptime" yaml:"stoptime"`
	TraceStart       float64 `json:"tracestart" yaml:"tracestart"`
	QueueSampleEvery float64 `json:"queuesampleevery" yaml:"queuesampleevery"`
	ProgressStart    float64 `json:"progressstart" yaml:"progressstart"`
	ProgressEvery    float64 `json:"progressevery" yaml:"progressevery"`

	// output switches
	Pcap          bool `json:"pcap" yaml:"pcap"`
	TraceAllFlows bool `json:"traceallflows" yaml:"traceallflows"`
	PrintRedStats bool `json:"printredstats" yaml:"printredstats"`

	// master seed for the rng streams
	RngSeed int64 `json:"rngseed" yaml:"rngseed"`
}

// DefaultExpCfg returns the configuration of the reference experiment:
// 2+2 clients over a 1Gbps bottleneck, five seconds of virtual time
func DefaultExpCfg() *ExpCfg {
	xc := new(ExpCfg)
	xc.Protocol = "tcp"
	xc.BaseDir = "simulations"
	xc.TimeZone = "America/Chicago"

	xc.GroupA = 2
	xc.GroupB = 2
	xc.Receivers = xc.GroupA + xc.GroupB
	xc.Switches = 2

	xc.BottleneckRate = "1Gbps"
	xc.BottleneckDelay = "10us"
	xc.AccessRate = "1Gbps"
	xc.AccessDelay = "10us"

	xc.MinTh = 50
	xc.MaxTh = 150
	xc.K = 65
	xc.DctcpMinTh = 20
	xc.RedLinkBandwidth = "10Gbps"
	xc.RedLinkDelay = "10us"
	xc.AccessQueuePackets = 1000

	xc.ClientRate = "10Gbps"
	xc.PacketSize = 1000

	xc.SegmentSize = 1448
	xc.InitialCwnd = 10
	xc.SndBufSize = 131072
	xc.InitialRtt = 80e-6
	xc.MinRto = 0.2

	xc.StartTime = 0.0
	xc.StopTime = 5.0
	xc.TraceStart = 0.01
	xc.QueueSampleEvery = 0.01
	xc.ProgressStart = 1.0
	xc.ProgressEvery = 0.1

	xc.Pcap = true
	xc.TraceAllFlows = false
	xc.PrintRedStats = true

	xc.RngSeed = 1234567
	return xc
}

// Name returns the tag used for the output directory
func (xc *ExpCfg) Name() string {
	if len(xc.SimName) > 0 {
		return xc.SimName
	}
	return xc.Protocol
}

// linkParams holds the parsed forms of the link strings
type linkParams struct {
	bottleneckRate  DataRate
	bottleneckDelay float64
	accessRate      DataRate
	accessDelay     float64
	redBandwidth    DataRate
	redDelay        float64
	clientRate      DataRate
}

// parseLinks converts the string-valued link parameters, reporting every failure at once
func (xc *ExpCfg) parseLinks() (*linkParams, error) {
	lp := new(linkParams)
	errs := []error{}
	var err error

	lp.bottleneckRate, err = ParseDataRate(xc.BottleneckRate)
	errs = append(errs, err)
	lp.bottleneckDelay, err = ParseSeconds(xc.BottleneckDelay)
	errs = append(errs, err)
	lp.accessRate, err = ParseDataRate(xc.AccessRate)
	errs = append(errs, err)
	lp.accessDelay, err = ParseSeconds(xc.AccessDelay)
	errs = append(errs, err)
	lp.redBandwidth, err = ParseDataRate(xc.RedLinkBandwidth)
	errs = append(errs, err)
	lp.redDelay, err = ParseSeconds(xc.RedLinkDelay)
	errs = append(errs, err)
	lp.clientRate, err = ParseDataRate(xc.ClientRate)
	errs = append(errs, err)

	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	return lp, nil
}

// checkCounts checks that the node counts describe a dumbbell with one receiver per client
func (xc *ExpCfg) checkCounts() []error {
	errs := []error{}
	if xc.GroupA < 0 || xc.GroupB < 0 {
		errs = append(errs, fmt.Errorf("client group sizes must be non-negative, have %d and %d", xc.GroupA, xc.GroupB))
	}
	if xc.GroupA+xc.GroupB == 0 {
		errs = append(errs, fmt.Errorf("experiment has no clients"))
	}
	if xc.Receivers != xc.GroupA+xc.GroupB {
		errs = append(errs, fmt.Errorf("%d receivers cannot serve %d clients one-to-one", xc.Receivers, xc.GroupA+xc.GroupB))
	}
	if xc.Switches != 2 {
		errs = append(errs, fmt.Errorf("dumbbell needs exactly 2 switches, have %d", xc.Switches))
	}
	return errs
}

// Validate checks the values that the topology and the runtime depend on
func (xc *ExpCfg) Validate() error {
	errs := xc.checkCounts()
	if xc.PacketSize <= 0 || xc.SegmentSize <= 0 {
		errs = append(errs, fmt.Errorf("packet and segment sizes must be positive"))
	}
	if xc.SndBufSize < xc.PacketSize {
		errs = append(errs, fmt.Errorf("send buffer %d smaller than packet size %d", xc.SndBufSize, xc.PacketSize))
	}
	if xc.StopTime < 0 || xc.StartTime < 0 {
		errs = append(errs, fmt.Errorf("start and stop times must be non-negative"))
	}
	if xc.QueueSampleEvery <= 0 || xc.ProgressEvery <= 0 {
		errs = append(errs, fmt.Errorf("sampling and progress intervals must be positive"))
	}
	if xc.MinTh >= xc.MaxTh {
		errs = append(errs, fmt.Errorf("loss-based RED needs MinTh < MaxTh, have %g and %g", xc.MinTh, xc.MaxTh))
	}
	if xc.K <= 0 {
		errs = append(errs, fmt.Errorf("marking threshold K must be positive"))
	}
	if _, err := xc.parseLinks(); err != nil {
		errs = append(errs, err)
	}
	return ReportErrs(errs)
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (xc *ExpCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*xc)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*xc, "", "\t")
	} else {
		return fmt.Errorf("unrecognized extension on %s", filename)
	}

	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  Fields absent from the input keep their DefaultExpCfg values.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error

	// if the dict slice of bytes is empty we get them from the file whose name is an argument
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := DefaultExpCfg()

	if useYAML {
		err = yaml.Unmarshal(dict, example)
	} else {
		err = json.Unmarshal(dict, example)
	}

	if err != nil {
		return nil, err
	}

	return example, nil
}
