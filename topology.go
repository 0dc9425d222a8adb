package dumbbell

// topology.go builds the dumbbell: two groups of clients attached to switch S0,
// receivers attached to switch S1, and the bottleneck link S0-S1 between them.
// Client i (group A first, then group B) is served by receiver i.

import (
	"fmt"
	"net/netip"
)

// InterfacePair holds the addresses of the two ends of a link, in the order the link joined them
type InterfacePair [2]netip.Addr

// Topology is a built dumbbell and the containers the later setup stages work from
type Topology struct {
	net *Network
	cfg *ExpCfg

	GroupA    []*Node
	GroupB    []*Node
	Receivers []*Node
	S0        *Node
	S1        *Node

	Bottleneck    *Link
	GroupALinks   []*Link // client i <-> S0
	GroupBLinks   []*Link // client i <-> S0
	ReceiverLinks []*Link // S1 <-> receiver i

	// filled by AssignAddresses
	BottleneckIfs InterfacePair
	GroupAIfs     []InterfacePair
	GroupBIfs     []InterfacePair
	ReceiverIfs   []InterfacePair

	registry  *AddressRegistry
	addressed bool
}

// BuildDumbbell creates the nodes and links of the experiment described by xc.
// Nodes are created group A, group B, receivers, S0, S1 so their ids follow that order.
// The bottleneck is linked first, then the clients of A and B to S0, then S1 to each receiver
func BuildDumbbell(nw *Network, xc *ExpCfg) (*Topology, error) {
	if err := ReportErrs(xc.checkCounts()); err != nil {
		return nil, err
	}
	if len(nw.nodes) > 0 {
		return nil, fmt.Errorf("dumbbell must be built on an empty network")
	}
	lp, err := xc.parseLinks()
	if err != nil {
		return nil, err
	}

	topo := new(Topology)
	topo.net = nw
	topo.cfg = xc
	topo.registry = CreateAddressRegistry()

	for idx := 0; idx < xc.GroupA; idx++ {
		topo.GroupA = append(topo.GroupA, nw.CreateNode(fmt.Sprintf("a%d", idx), RoleClientA))
	}
	for idx := 0; idx < xc.GroupB; idx++ {
		topo.GroupB = append(topo.GroupB, nw.CreateNode(fmt.Sprintf("b%d", idx), RoleClientB))
	}
	for idx := 0; idx < xc.Receivers; idx++ {
		topo.Receivers = append(topo.Receivers, nw.CreateNode(fmt.Sprintf("r%d", idx), RoleReceiver))
	}
	topo.S0 = nw.CreateNode("s0", RoleSwitch)
	topo.S1 = nw.CreateNode("s1", RoleSwitch)

	topo.Bottleneck = nw.CreateLink(topo.S0, topo.S1, BottleneckLink, lp.bottleneckRate, lp.bottleneckDelay)
	for _, client := range topo.GroupA {
		topo.GroupALinks = append(topo.GroupALinks,
			nw.CreateLink(client, topo.S0, AccessLink, lp.accessRate, lp.accessDelay))
	}
	for _, client := range topo.GroupB {
		topo.GroupBLinks = append(topo.GroupBLinks,
			nw.CreateLink(client, topo.S0, AccessLink, lp.accessRate, lp.accessDelay))
	}
	for _, rcvr := range topo.Receivers {
		topo.ReceiverLinks = append(topo.ReceiverLinks,
			nw.CreateLink(topo.S1, rcvr, AccessLink, lp.accessRate, lp.accessDelay))
	}
	return topo, nil
}

// Network returns the network the topology was built on
func (topo *Topology) Network() *Network {
	return topo.net
}

// Clients returns the clients in flow order, group A then group B
func (topo *Topology) Clients() []*Node {
	rtn := make([]*Node, 0, len(topo.GroupA)+len(topo.GroupB))
	rtn = append(rtn, topo.GroupA...)
	return append(rtn, topo.GroupB...)
}

// InstallStacks gives every node a transport stack, in the order group A, group B,
// receivers, S0, S1, each under the context the plan assigns its class
func (topo *Topology) InstallStacks(plan *ProfilePlan) error {
	stages := []struct {
		nodes []*Node
		gp    *GlobalParameters
	}{
		{topo.GroupA, plan.GroupA},
		{topo.GroupB, plan.GroupB},
		{topo.Receivers, plan.Shared},
		{[]*Node{topo.S0, topo.S1}, plan.Shared},
	}
	for _, stage := range stages {
		for _, node := range stage.nodes {
			if err := InstallTcp(node, stage.gp); err != nil {
				return err
			}
		}
	}
	return nil
}

// SwitchAccessDevices returns the switch-side device of every access link: the S0 end of
// each client link, then the S1 end of each receiver link
func (topo *Topology) SwitchAccessDevices() []*NetDevice {
	rtn := []*NetDevice{}
	for _, lnk := range topo.GroupALinks {
		rtn = append(rtn, lnk.devs[1])
	}
	for _, lnk := range topo.GroupBLinks {
		rtn = append(rtn, lnk.devs[1])
	}
	for _, lnk := range topo.ReceiverLinks {
		rtn = append(rtn, lnk.devs[0])
	}
	return rtn
}

// assignBlock gives each link the next /24 starting at base
func (topo *Topology) assignBlock(ah *Ipv4AddressHelper, base string, links []*Link) ([]InterfacePair, error) {
	if err := ah.SetBase(base, 24); err != nil {
		return nil, err
	}
	rtn := make([]InterfacePair, 0, len(links))
	for _, lnk := range links {
		pair, err := topo.assignLink(ah, lnk)
		if err != nil {
			return nil, err
		}
		rtn = append(rtn, pair)
		if err := ah.NewNetwork(); err != nil {
			return nil, err
		}
	}
	return rtn, nil
}

// assignLink addresses both ends of a link and gives each end the default
// queue discipline if none was installed
func (topo *Topology) assignLink(ah *Ipv4AddressHelper, lnk *Link) (InterfacePair, error) {
	var pair InterfacePair
	addrs, err := ah.Assign(lnk.devs[:])
	if err != nil {
		return pair, err
	}
	copy(pair[:], addrs)
	for _, dev := range lnk.devs {
		installDefaultQueue(dev)
	}
	return pair, nil
}

// AssignAddresses puts the bottleneck on 172.16.1.0/24, and every access link on
// its own /24 counting up from 10.1.1.0 for group A, 10.2.1.0 for group B and
// 10.4.1.0 for the receivers
func (topo *Topology) AssignAddresses() error {
	if topo.addressed {
		return fmt.Errorf("addresses already assigned")
	}
	ah := CreateIpv4AddressHelper(topo.registry)
	if err := ah.SetBase("172.16.1.0", 24); err != nil {
		return err
	}
	pair, err := topo.assignLink(ah, topo.Bottleneck)
	if err != nil {
		return err
	}
	topo.BottleneckIfs = pair

	if topo.GroupAIfs, err = topo.assignBlock(ah, "10.1.1.0", topo.GroupALinks); err != nil {
		return err
	}
	if topo.GroupBIfs, err = topo.assignBlock(ah, "10.2.1.0", topo.GroupBLinks); err != nil {
		return err
	}
	if topo.ReceiverIfs, err = topo.assignBlock(ah, "10.4.1.0", topo.ReceiverLinks); err != nil {
		return err
	}
	topo.addressed = true
	return nil
}

// ReceiverAddr returns the access address of receiver idx, the far end of its link from S1
func (topo *Topology) ReceiverAddr(idx int) (netip.Addr, error) {
	if !topo.addressed {
		return netip.Addr{}, fmt.Errorf("addresses not yet assigned")
	}
	if idx < 0 || idx >= len(topo.ReceiverIfs) {
		return netip.Addr{}, fmt.Errorf("no receiver %d", idx)
	}
	return topo.ReceiverIfs[idx][1], nil
}

// PopulateRoutingTables installs shortest-path host routes on every node
func (topo *Topology) PopulateRoutingTables() error {
	if !topo.addressed {
		return fmt.Errorf("routes need assigned addresses")
	}
	return topo.net.PopulateRoutingTables()
}
