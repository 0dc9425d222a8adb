package dumbbell

import (
	"path/filepath"
	"testing"
)

func TestDescribeNetwork(t *testing.T) {
	xc := DefaultExpCfg()
	topo := builtDumbbell(t, xc, ModeMixed)
	td := DescribeNetwork("mixed", topo.Network())

	if len(td.Nodes) != 10 || len(td.Links) != 9 {
		t.Fatalf("%d nodes, %d links", len(td.Nodes), len(td.Links))
	}
	s0, ok := td.NodeByName("s0")
	if !ok {
		t.Fatal("s0 not described")
	}
	if s0.ID != topo.S0.ID() || s0.Role != RoleSwitch.String() || s0.SocketType != "TcpDctcp" {
		t.Errorf("s0 described as %+v", s0)
	}
	bn := s0.Interfaces[0]
	if bn.Addr != "172.16.1.1" || bn.Prefix != "172.16.1.0/24" || bn.QueueDisc != "RED" || bn.Connects != "s1-intrfc[0]" {
		t.Errorf("bottleneck interface %+v", bn)
	}
	a0, _ := td.NodeByName("a0")
	if a0.Stack != "tcp" || a0.SocketType != "TcpNewReno" {
		t.Errorf("a0 described as %+v", a0)
	}
	if td.Links[0].Class != BottleneckLink.String() || td.Links[0].Rate != "1Gbps" {
		t.Errorf("first link %+v", td.Links[0])
	}
	if _, ok := td.NodeByName("nobody"); ok {
		t.Error("found a node that does not exist")
	}
}

func TestTopoDescFiles(t *testing.T) {
	xc := DefaultExpCfg()
	topo := builtDumbbell(t, xc, ModeTcp)
	td := DescribeNetwork("tcp", topo.Network())

	dir := t.TempDir()
	for _, name := range []string{"topo.yaml", "topo.json"} {
		filename := filepath.Join(dir, name)
		if err := td.WriteToFile(filename); err != nil {
			t.Fatal(err)
		}
		rd, err := ReadTopoDesc(filename, name == "topo.yaml", nil)
		if err != nil {
			t.Fatal(err)
		}
		if rd.Name != "tcp" || len(rd.Nodes) != len(td.Nodes) || len(rd.Links) != len(td.Links) {
			t.Fatalf("%s read back %d nodes, %d links", name, len(rd.Nodes), len(rd.Links))
		}
		r0, ok := rd.NodeByName("r0")
		if !ok || len(r0.Interfaces) != 1 || r0.Interfaces[0].Addr != "10.4.1.2" {
			t.Errorf("%s: r0 read back as %+v", name, r0)
		}
	}
	if err := td.WriteToFile(filepath.Join(dir, "topo.xml")); err == nil {
		t.Error("unrecognized extension accepted")
	}
}
