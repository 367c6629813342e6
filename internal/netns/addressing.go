package netns

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"

	"go4.org/netipx"
)

const (
	namePrefix     = "vpnns"
	hostVethPrefix = "vh"
	nsVethPrefix   = "vn"

	// TunnelInterface is the device the VPN client is told to create.
	TunnelInterface = "tun0"

	blockCount = 254
)

var (
	// AddressPool holds every per-namespace /24 block.
	AddressPool = netip.MustParsePrefix("10.200.0.0/16")

	namePattern     = regexp.MustCompile(`^vpnns([0-9]+)$`)
	hostVethPattern = regexp.MustCompile(`^vh[0-9]+$`)

	poolSet = mustPoolSet()
)

// Addressing is the interface and address plan derived from a namespace index.
type Addressing struct {
	Index    int
	HostVeth string
	NsVeth   string
	Block    netip.Prefix
	HostIP   netip.Addr
	NsIP     netip.Addr
}

// AddressingFor returns the plan for a zero-based index.
func AddressingFor(index int) Addressing {
	block := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 200, byte(index%blockCount + 1), 0}), 24)
	host := block.Addr().Next()
	return Addressing{
		Index:    index,
		HostVeth: hostVethPrefix + strconv.Itoa(index),
		NsVeth:   nsVethPrefix + strconv.Itoa(index),
		Block:    block,
		HostIP:   host,
		NsIP:     host.Next(),
	}
}

// Range returns the usable host range of the block.
func (a Addressing) Range() netipx.IPRange {
	r := netipx.RangeOfPrefix(a.Block)
	return netipx.IPRangeFrom(r.From().Next(), r.To().Prev())
}

// NameFor returns the reserved namespace name for an index.
func NameFor(index int) string {
	return namePrefix + strconv.Itoa(index)
}

// IndexFromName parses the index out of a reserved namespace name.
func IndexFromName(name string) (int, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return index, true
}

// IsManagedName reports whether bulk operations may touch name.
func IsManagedName(name string) bool {
	return namePattern.MatchString(name)
}

// InPool reports whether a rule source like "10.200.3.0/24" lies in the pool.
func InPool(source string) bool {
	prefix, err := netipx.ParsePrefixOrAddr(source)
	if err != nil {
		return false
	}
	return poolSet.ContainsPrefix(prefix)
}

func mustPoolSet() *netipx.IPSet {
	var b netipx.IPSetBuilder
	b.AddPrefix(AddressPool)
	set, err := b.IPSet()
	if err != nil {
		panic(fmt.Sprintf("build address pool: %v", err))
	}
	return set
}
