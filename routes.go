package dumbbell

// routes.go computes shortest path routes through the network and turns them
// into host routes on every node

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The general approach is to convert the network of nodes and links into the data
// structures of a graph package that has built-in path discovery algorithms.
// Weighting each edge by 1, a shortest path minimizes the number of hops, which is
// what the global routing of a simulated wired network does.
//   The Dijkstra algorithm we call computes a tree of shortest paths from a named node,
// so to get the path from src to dst we either compute such a tree rooted in src or look up
// a cached one.  Failing that we look for a known tree rooted in dst, whose path to src
// is by symmetry the reverse of what we want.

// routeTables holds the graph representation of a network and the trees computed on it
type routeTables struct {
	// gNodes[i] represents the node with id i
	gNodes map[int]simple.Node

	connGraph graph.Graph

	// cachedSP saves the result of computing shortest-path trees, keyed by the id of the root
	cachedSP map[int]path.Shortest
}

// buildConnGraph returns the routing state of the network, one graph node per
// simulation node and one unit-weight edge per link
func buildConnGraph(nw *Network) *routeTables {
	rt := new(routeTables)
	rt.gNodes = make(map[int]simple.Node)
	rt.cachedSP = make(map[int]path.Shortest)

	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range nw.nodes {
		rt.gNodes[node.id] = simple.Node(node.id)
		connGraph.AddNode(rt.gNodes[node.id])
	}

	for _, lnk := range nw.links {
		a := lnk.devs[0].node.id
		b := lnk.devs[1].node.id
		weightedEdge := simple.WeightedEdge{F: rt.gNodes[a], T: rt.gNodes[b], W: 1.0}
		connGraph.SetWeightedEdge(weightedEdge)
	}
	rt.connGraph = connGraph
	return rt
}

// getSPTree returns the shortest path tree rooted in 'from'.  If the tree is found in
// the cache it is returned, if not it is computed, saved, and returned.
func (rt *routeTables) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}

	spTree = path.DijkstraFrom(rt.gNodes[from], rt.connGraph)
	rt.cachedSP[from] = spTree

	return spTree
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}

	return rtn
}

// routeFrom returns the shortest path, as a sequence of node ids, from srcID to dstID inclusive.
// An empty sequence means dstID cannot be reached
func (rt *routeTables) routeFrom(srcID, dstID int) []int {
	// if we have already a tree rooted in srcID we can use it
	spTree, present := rt.cachedSP[srcID]
	if present {
		nodeSeq, _ := spTree.To(int64(dstID))
		return convertNodeSeq(nodeSeq)
	}

	// a tree rooted in the destination gives the same path, reversed
	spTree, present = rt.cachedSP[dstID]
	if present {
		revNodeSeq, _ := spTree.To(int64(srcID))
		revRoute := convertNodeSeq(revNodeSeq)

		lenR := len(revRoute)
		route := make([]int, 0, lenR)
		for idx := 0; idx < lenR; idx++ {
			route = append(route, revRoute[lenR-idx-1])
		}
		return route
	}

	// no tree rooted in either, so make one rooted in srcID
	spTree = rt.getSPTree(srcID)
	nodeSeq, _ := spTree.To(int64(dstID))
	return convertNodeSeq(nodeSeq)
}

// ShowPath returns a string that lists the names of the nodes on the route from src to dst
func (nw *Network) ShowPath(src, dst int) string {
	if nw.rt == nil {
		nw.rt = buildConnGraph(nw)
	}
	route := nw.rt.routeFrom(src, dst)
	names := make([]string, 0, len(route))
	for _, id := range route {
		names = append(names, nw.nodes[id].name)
	}
	return strings.Join(names, ",")
}

// deviceToward returns the device of node attached to a link whose far end is on nbr
func (node *Node) deviceToward(nbr *Node) *NetDevice {
	for _, dev := range node.devices {
		if dev.peer != nil && dev.peer.node == nbr {
			return dev
		}
	}
	return nil
}

// PopulateRoutingTables installs on every node a host route to every interface address
// of every other node, following shortest paths.  Addresses must already be assigned
func (nw *Network) PopulateRoutingTables() error {
	nw.rt = buildConnGraph(nw)

	errs := []error{}
	for _, src := range nw.nodes {
		for _, dst := range nw.nodes {
			if src == dst {
				continue
			}
			route := nw.rt.routeFrom(src.id, dst.id)
			if len(route) < 2 {
				errs = append(errs, fmt.Errorf("no route from %s to %s", src.name, dst.name))
				continue
			}
			dev := src.deviceToward(nw.nodes[route[1]])
			if dev == nil {
				panic(fmt.Errorf("route from %s steps to %s without a link", src.name, nw.nodes[route[1]].name))
			}
			for _, addr := range dst.Addrs() {
				src.routes[addr] = dev
			}
		}
	}
	return ReportErrs(errs)
}

// RouteTo returns the device node sends through to reach addr, nil if there is no route
func (node *Node) RouteTo(addr string) *NetDevice {
	for dst, dev := range node.routes {
		if dst.String() == addr {
			return dev
		}
	}
	return nil
}
