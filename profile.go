package dumbbell

// profile.go maps a requested transport mode to the configuration contexts
// that are applied when protocol stacks and queue disciplines are installed.
// A context is an explicit value; nothing here mutates process-wide state.

import (
	"fmt"
	"strings"
)

// TransportMode names the congestion-control experiment being run
type TransportMode string

const (
	ModeTcp   TransportMode = "tcp"
	ModeDctcp TransportMode = "dctcp"
	ModeMixed TransportMode = "mixed"
)

// ParseMode returns the mode named by s.  An unrecognized name falls back to tcp,
// the second return value reports whether the name was recognized
func ParseMode(s string) (TransportMode, bool) {
	switch TransportMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTcp:
		return ModeTcp, true
	case ModeDctcp:
		return ModeDctcp, true
	case ModeMixed:
		return ModeMixed, true
	}
	return ModeTcp, false
}

// SocketType selects the congestion control of the TCP sockets a stack creates
type SocketType int

const (
	TcpNewReno SocketType = iota
	TcpDctcp
)

func (st SocketType) String() string {
	switch st {
	case TcpNewReno:
		return "TcpNewReno"
	case TcpDctcp:
		return "TcpDctcp"
	}
	return fmt.Sprintf("SocketType(%d)", int(st))
}

// RedParams holds the attributes of a RED queue discipline
type RedParams struct {
	UseEcn        bool     `json:"useecn" yaml:"useecn"`
	UseHardDrop   bool     `json:"useharddrop" yaml:"useharddrop"`
	MeanPktSize   int      `json:"meanpktsize" yaml:"meanpktsize"`
	MaxSize       int      `json:"maxsize" yaml:"maxsize"` // packets
	QW            float64  `json:"qw" yaml:"qw"`
	MinTh         float64  `json:"minth" yaml:"minth"`
	MaxTh         float64  `json:"maxth" yaml:"maxth"`
	Gentle        bool     `json:"gentle" yaml:"gentle"`
	LInterm       float64  `json:"linterm" yaml:"linterm"`
	LinkBandwidth DataRate `json:"linkbandwidth" yaml:"linkbandwidth"`
	LinkDelay     float64  `json:"linkdelay" yaml:"linkdelay"`
}

// defaultRedParams are the attribute values RED has before any profile touches them
func defaultRedParams() RedParams {
	return RedParams{
		UseEcn:        false,
		UseHardDrop:   true,
		MeanPktSize:   500,
		MaxSize:       25,
		QW:            0.002,
		MinTh:         5,
		MaxTh:         15,
		Gentle:        true,
		LInterm:       50,
		LinkBandwidth: mustRate("1.5Mbps"),
		LinkDelay:     20e-3,
	}
}

// SingleThreshold reports whether the thresholds collapse to one marking point
func (rp RedParams) SingleThreshold() bool {
	return rp.MinTh == rp.MaxTh
}

// GlobalParameters is the configuration context a protocol stack is installed under
type GlobalParameters struct {
	Name       string     `json:"name" yaml:"name"`
	SocketType SocketType `json:"sockettype" yaml:"sockettype"`

	// whether sockets negotiate ECN and mark their packets ECN capable
	UseEcn bool `json:"useecn" yaml:"useecn"`

	// defaults applied to any RED discipline built under this context
	Red RedParams `json:"red" yaml:"red"`

	// transport constants shared by every profile
	SegmentSize int     `json:"segmentsize" yaml:"segmentsize"`
	InitialCwnd int     `json:"initialcwnd" yaml:"initialcwnd"`
	SndBufSize  int     `json:"sndbufsize" yaml:"sndbufsize"`
	InitialRtt  float64 `json:"initialrtt" yaml:"initialrtt"`
	MinRto      float64 `json:"minrto" yaml:"minrto"`
}

// DctcpClass reports whether sockets built under gp use ECN-based DCTCP
func (gp *GlobalParameters) DctcpClass() bool {
	return gp.SocketType == TcpDctcp
}

// baseParameters fills in the transport constants every profile shares
func baseParameters(name string, xc *ExpCfg) *GlobalParameters {
	gp := new(GlobalParameters)
	gp.Name = name
	gp.Red = defaultRedParams()
	gp.SegmentSize = xc.SegmentSize
	gp.InitialCwnd = xc.InitialCwnd
	gp.SndBufSize = xc.SndBufSize
	gp.InitialRtt = xc.InitialRtt
	gp.MinRto = xc.MinRto
	return gp
}

// tcpParameters builds the loss-based New Reno context, ECN off
func tcpParameters(xc *ExpCfg) *GlobalParameters {
	gp := baseParameters(string(ModeTcp), xc)
	gp.SocketType = TcpNewReno
	gp.UseEcn = false
	return gp
}

// dctcpParameters builds the DCTCP context.  RED marks instead of dropping,
// tracks the instantaneous queue (QW = 1) and holds a 4MB buffer of 1500 byte packets
func dctcpParameters(xc *ExpCfg) *GlobalParameters {
	gp := baseParameters(string(ModeDctcp), xc)
	gp.SocketType = TcpDctcp
	gp.UseEcn = true
	gp.Red.UseEcn = true
	gp.Red.UseHardDrop = false
	gp.Red.MeanPktSize = 1500
	gp.Red.MaxSize = 2666
	gp.Red.QW = 1
	gp.Red.MinTh = xc.DctcpMinTh
	if gp.Red.MaxTh < gp.Red.MinTh {
		gp.Red.MaxTh = gp.Red.MinTh
	}
	return gp
}

// SelectProfile returns the context for a single mode.  For mixed the context
// returned is the one in force once both passes are done, i.e. DCTCP
func SelectProfile(mode TransportMode, xc *ExpCfg) *GlobalParameters {
	switch mode {
	case ModeDctcp, ModeMixed:
		return dctcpParameters(xc)
	}
	return tcpParameters(xc)
}

// ProfilePlan records which context each class of node is installed under
type ProfilePlan struct {
	Mode   TransportMode     `json:"mode" yaml:"mode"`
	GroupA *GlobalParameters `json:"groupa" yaml:"groupa"`
	GroupB *GlobalParameters `json:"groupb" yaml:"groupb"`

	// receivers and switches, installed after both client groups
	Shared *GlobalParameters `json:"shared" yaml:"shared"`
}

// PlanProfiles builds the per-group contexts.  In mixed mode group A is installed under
// a loss-based context and everything after it under a separately built DCTCP context,
// so the flip never reaches back into group A
func PlanProfiles(mode TransportMode, xc *ExpCfg) *ProfilePlan {
	pp := new(ProfilePlan)
	pp.Mode = mode
	switch mode {
	case ModeMixed:
		pp.GroupA = tcpParameters(xc)
		pp.GroupB = dctcpParameters(xc)
		pp.Shared = dctcpParameters(xc)
	case ModeDctcp:
		pp.GroupA = dctcpParameters(xc)
		pp.GroupB = dctcpParameters(xc)
		pp.Shared = dctcpParameters(xc)
	default:
		pp.Mode = ModeTcp
		pp.GroupA = tcpParameters(xc)
		pp.GroupB = tcpParameters(xc)
		pp.Shared = tcpParameters(xc)
	}
	return pp
}

// DctcpClass reports whether the bottleneck runs the single-threshold marking discipline
func (pp *ProfilePlan) DctcpClass() bool {
	return pp.Mode == ModeDctcp || pp.Mode == ModeMixed
}

// BottleneckRed returns the parameters of the RED discipline on the bottleneck.  They
// start from the defaults of the context in force when the bottleneck is installed
// (the shared context) and then take the explicit thresholds of the mode
func BottleneckRed(pp *ProfilePlan, xc *ExpCfg) (RedParams, error) {
	rp := pp.Shared.Red
	if pp.DctcpClass() {
		rp.MinTh = xc.K
		rp.MaxTh = xc.K
		return rp, nil
	}

	lp, err := xc.parseLinks()
	if err != nil {
		return rp, err
	}
	rp.LinkBandwidth = lp.redBandwidth
	rp.LinkDelay = lp.redDelay
	rp.MinTh = xc.MinTh
	rp.MaxTh = xc.MaxTh
	return rp, nil
}
