package dumbbell

// address.go hands out IPv4 addresses to devices, one network per link.
// Every network an allocator starts is claimed in a registry shared by all
// allocators of the experiment, so two links can never end up on the same subnet.

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// AddressRegistry records every network and address handed out in an experiment
type AddressRegistry struct {
	networks map[netip.Prefix]bool
	addrs    map[netip.Addr]bool
}

// CreateAddressRegistry is a constructor
func CreateAddressRegistry() *AddressRegistry {
	ar := new(AddressRegistry)
	ar.networks = make(map[netip.Prefix]bool)
	ar.addrs = make(map[netip.Addr]bool)
	return ar
}

// claimNetwork reserves pfx, failing if any allocator already started it
func (ar *AddressRegistry) claimNetwork(pfx netip.Prefix) error {
	if ar.networks[pfx] {
		return fmt.Errorf("network %s already assigned", pfx)
	}
	ar.networks[pfx] = true
	return nil
}

// claimAddr reserves addr, failing on a duplicate
func (ar *AddressRegistry) claimAddr(addr netip.Addr) error {
	if ar.addrs[addr] {
		return fmt.Errorf("address %s already assigned", addr)
	}
	ar.addrs[addr] = true
	return nil
}

// Networks returns the number of networks claimed
func (ar *AddressRegistry) Networks() int {
	return len(ar.networks)
}

// Ipv4AddressHelper assigns consecutive host addresses within a network and steps
// to the next network of the same size on request
type Ipv4AddressHelper struct {
	registry *AddressRegistry
	network  uint32 // network number, host bits zero
	bits     int    // prefix length
	base     uint32 // first host number of each network
	nxtHost  uint32
	started  bool // the current network has been claimed
}

// CreateIpv4AddressHelper is a constructor.  All helpers of an experiment share reg
func CreateIpv4AddressHelper(reg *AddressRegistry) *Ipv4AddressHelper {
	ah := new(Ipv4AddressHelper)
	ah.registry = reg
	ah.base = 1
	return ah
}

func addrToUint(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uintToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// hostMask is the mask of the host bits of the current network
func (ah *Ipv4AddressHelper) hostMask() uint32 {
	return uint32((uint64(1) << (32 - ah.bits)) - 1)
}

// SetBase positions the helper at network/bits, e.g. ("10.1.1.0", 24)
func (ah *Ipv4AddressHelper) SetBase(network string, bits int) error {
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return err
	}
	if !addr.Is4() {
		return fmt.Errorf("%s is not an IPv4 address", network)
	}
	if bits < 8 || bits > 30 {
		return fmt.Errorf("prefix length %d not supported", bits)
	}
	v := addrToUint(addr)
	if v&uint32((uint64(1)<<(32-bits))-1) != 0 {
		return fmt.Errorf("%s has host bits set for a /%d network", network, bits)
	}
	ah.bits = bits
	ah.network = v
	ah.nxtHost = ah.base
	ah.started = false
	return nil
}

// Prefix returns the network the helper currently assigns from
func (ah *Ipv4AddressHelper) Prefix() netip.Prefix {
	return netip.PrefixFrom(uintToAddr(ah.network), ah.bits)
}

// NewNetwork steps to the next network of the same size
func (ah *Ipv4AddressHelper) NewNetwork() error {
	step := ah.hostMask() + 1
	nxt := ah.network + step
	if nxt < ah.network {
		return fmt.Errorf("address space exhausted after %s", ah.Prefix())
	}
	ah.network = nxt
	ah.nxtHost = ah.base
	ah.started = false
	return nil
}

// Assign gives each device the next host address of the current network
func (ah *Ipv4AddressHelper) Assign(devs []*NetDevice) ([]netip.Addr, error) {
	if ah.bits == 0 {
		return nil, fmt.Errorf("address helper used before SetBase")
	}
	pfx := ah.Prefix()
	if !ah.started {
		if err := ah.registry.claimNetwork(pfx); err != nil {
			return nil, err
		}
		ah.started = true
	}

	rtn := make([]netip.Addr, 0, len(devs))
	for _, dev := range devs {
		// the all-ones host is the broadcast address
		if ah.nxtHost >= ah.hostMask() {
			return nil, fmt.Errorf("network %s has no free host addresses", pfx)
		}
		if dev.addr.IsValid() {
			return nil, fmt.Errorf("device %s already has address %s", dev, dev.addr)
		}
		addr := uintToAddr(ah.network | ah.nxtHost)
		if err := ah.registry.claimAddr(addr); err != nil {
			return nil, err
		}
		ah.nxtHost += 1
		dev.addr = addr
		dev.prefix = pfx
		rtn = append(rtn, addr)
	}
	return rtn, nil
}
