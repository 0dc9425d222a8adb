package dumbbell

// desc-topo.go produces a serializable description of a built topology: every
// node with its interfaces, addresses and queue disciplines, and every link.
// The description is written next to the measurements of a run so that node ids
// in trace file names can be resolved after the fact.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// IntrfcDesc defines a serializable description of a network interface
type IntrfcDesc struct {
	// name for interface, unique in the topology
	Name string `json:"name" yaml:"name"`

	// name of the node on which this interface is resident
	Device string `json:"device" yaml:"device"`

	// position of the interface on its node
	Index int `json:"index" yaml:"index"`

	// IPv4 address and the network it belongs to, empty before assignment
	Addr   string `json:"addr" yaml:"addr"`
	Prefix string `json:"prefix" yaml:"prefix"`

	// name of interface (on a different node) to which this interface is directly connected
	Connects string `json:"connects" yaml:"connects"`

	// root queue discipline, empty when none is installed
	QueueDisc string `json:"queuedisc" yaml:"queuedisc"`

	// id of the link the interface is attached to
	Link int `json:"link" yaml:"link"`
}

// NodeDesc holds a serializable representation of a node
type NodeDesc struct {
	ID         int          `json:"id" yaml:"id"`
	Name       string       `json:"name" yaml:"name"`
	Role       string       `json:"role" yaml:"role"`
	Stack      string       `json:"stack" yaml:"stack"`
	SocketType string       `json:"sockettype" yaml:"sockettype"`
	Interfaces []IntrfcDesc `json:"interfaces" yaml:"interfaces"`
}

// LinkDesc holds a serializable representation of a point-to-point link
type LinkDesc struct {
	ID    int       `json:"id" yaml:"id"`
	Class string    `json:"class" yaml:"class"`
	Rate  string    `json:"rate" yaml:"rate"`
	Delay float64   `json:"delay" yaml:"delay"`
	Ends  [2]string `json:"ends" yaml:"ends"`
}

// TopoDesc contains all of the nodes and links of a topology
type TopoDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// intrfcName gives an interface the name of its node and its index
func intrfcName(dev *NetDevice) string {
	return fmt.Sprintf("%s-intrfc[%d]", dev.node.name, dev.index)
}

// DescribeNetwork builds the serializable description of the network's present state
func DescribeNetwork(name string, nw *Network) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Nodes = make([]NodeDesc, 0, len(nw.nodes))
	td.Links = make([]LinkDesc, 0, len(nw.links))

	for _, node := range nw.nodes {
		nd := NodeDesc{ID: node.id, Name: node.name, Role: node.role.String()}
		if node.tcp != nil {
			nd.Stack = node.tcp.params.Name
			nd.SocketType = node.tcp.params.SocketType.String()
		}
		nd.Interfaces = make([]IntrfcDesc, 0, len(node.devices))
		for _, dev := range node.devices {
			id := IntrfcDesc{Name: intrfcName(dev), Device: node.name, Index: dev.index, Link: dev.link.id}
			if dev.addr.IsValid() {
				id.Addr = dev.addr.String()
				id.Prefix = dev.prefix.String()
			}
			if dev.peer != nil {
				id.Connects = intrfcName(dev.peer)
			}
			if dev.qdisc != nil {
				id.QueueDisc = dev.qdisc.Kind()
			}
			nd.Interfaces = append(nd.Interfaces, id)
		}
		td.Nodes = append(td.Nodes, nd)
	}

	for _, lnk := range nw.links {
		ld := LinkDesc{ID: lnk.id, Class: lnk.class.String(), Rate: lnk.rate.String(), Delay: lnk.delay}
		ld.Ends = [2]string{intrfcName(lnk.devs[0]), intrfcName(lnk.devs[1])}
		td.Links = append(td.Links, ld)
	}
	return td
}

// NodeByName returns the description of the named node
func (td *TopoDesc) NodeByName(name string) (*NodeDesc, bool) {
	for idx := range td.Nodes {
		if td.Nodes[idx].Name == name {
			return &td.Nodes[idx], true
		}
	}
	return nil, false
}

// WriteToFile serializes the TopoDesc and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (td *TopoDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*td)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*td, "", "\t")
	} else {
		return fmt.Errorf("unrecognized extension on %s", filename)
	}

	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// ReadTopoDesc deserializes a byte slice holding a representation of a TopoDesc struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  A deserialized representation is returned, or an error if one is generated
// from a file read or the deserialization.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}
