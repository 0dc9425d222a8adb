package dumbbell

// flow.go pairs every client with its receiver and installs the applications
// that carry the flow between them

import (
	"fmt"
	"net/netip"

	"golang.org/x/exp/slices"
)

// BasePort is the port of the first flow; flow i uses BasePort+i
const BasePort = 50000

// Flow is one client-to-receiver transfer
type Flow struct {
	FlowID    int
	Name      string
	Src       string
	Dst       string
	SrcID     int
	DstID     int
	DstAddr   netip.Addr
	Port      uint16
	FrameSize int
	Rate      DataRate
	Start     float64
	Stop      float64
	Groups    []string // the client group, "A" or "B"

	Sender *OnOffApp
	Sink   *PacketSink
}

// matchParam reports whether the flow has the named attribute value
func (flw *Flow) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return flw.Name == attrbValue
	case "group":
		return slices.Contains(flw.Groups, attrbValue)
	case "srcdev":
		return flw.Src == attrbValue
	case "dstdev":
		return flw.Dst == attrbValue
	}
	return false
}

// InstallFlows creates flow i from client i to receiver i on port BasePort+i.  Sinks
// are installed first so each listens before its sender starts.  All flows share the
// window [start, stop]
func InstallFlows(topo *Topology, start, stop float64) ([]*Flow, error) {
	lp, err := topo.cfg.parseLinks()
	if err != nil {
		return nil, err
	}
	clients := topo.Clients()
	if len(clients) != len(topo.Receivers) {
		return nil, fmt.Errorf("%d clients and %d receivers cannot be paired", len(clients), len(topo.Receivers))
	}
	if BasePort+len(clients) > 65536 {
		return nil, fmt.Errorf("%d flows overrun the port space", len(clients))
	}

	flows := make([]*Flow, 0, len(clients))
	for idx, client := range clients {
		rcvr := topo.Receivers[idx]
		dstAddr, err := topo.ReceiverAddr(idx)
		if err != nil {
			return nil, err
		}

		flw := new(Flow)
		flw.FlowID = idx
		flw.Name = fmt.Sprintf("flow-%d", idx)
		flw.Groups = []string{"A"}
		if client.role == RoleClientB {
			flw.Groups = []string{"B"}
		}
		flw.Src = client.name
		flw.SrcID = client.id
		flw.Dst = rcvr.name
		flw.DstID = rcvr.id
		flw.DstAddr = dstAddr
		flw.Port = uint16(BasePort + idx)
		flw.FrameSize = topo.cfg.PacketSize
		flw.Rate = lp.clientRate
		flw.Start = start
		flw.Stop = stop

		flw.Sink, err = InstallSink(rcvr, flw.Port, start, stop)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flw)
	}

	for _, flw := range flows {
		client := topo.net.nodes[flw.SrcID]
		flw.Sender, err = InstallOnOff(client, flw.DstAddr, flw.Port, flw.Rate, flw.FrameSize, start, stop)
		if err != nil {
			return nil, err
		}
	}
	return flows, nil
}

// selectFlows returns the flows having the attribute value
func selectFlows(flows []*Flow, attrbName, attrbValue string) []*Flow {
	rtn := []*Flow{}
	for _, flw := range flows {
		if flw.matchParam(attrbName, attrbValue) {
			rtn = append(rtn, flw)
		}
	}
	return rtn
}
