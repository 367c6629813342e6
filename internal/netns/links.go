package netns

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// LinkManager creates and inspects the veth pair joining a namespace to the host.
type LinkManager interface {
	// CreateVeth creates the pair, moves the peer into namespace and configures
	// addresses, loopback and the default route.
	CreateVeth(namespace string, a Addressing) error
	// DeleteLink removes a host link; a missing link is not an error.
	DeleteLink(name string) error
	// LinkUp reports whether a host link exists and is up.
	LinkUp(name string) (bool, error)
	// NamespaceLinkUp reports whether a link inside namespace exists and is up.
	NamespaceLinkUp(namespace, name string) (bool, error)
	// HostLinks lists host link names.
	HostLinks() ([]string, error)
}

// NewNetlinkManager returns the netlink-backed LinkManager.
func NewNetlinkManager() LinkManager {
	return netlinkManager{}
}

type netlinkManager struct{}

func (netlinkManager) CreateVeth(namespace string, a Addressing) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: a.HostVeth},
		PeerName:  a.NsVeth,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth %s: %w", a.HostVeth, err)
	}

	host, err := netlink.LinkByName(a.HostVeth)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", a.HostVeth, err)
	}
	if err := netlink.AddrAdd(host, addrFor(a.HostIP, a.Block.Bits())); err != nil {
		return fmt.Errorf("address %s: %w", a.HostVeth, err)
	}
	if err := netlink.LinkSetUp(host); err != nil {
		return fmt.Errorf("up %s: %w", a.HostVeth, err)
	}

	peer, err := netlink.LinkByName(a.NsVeth)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", a.NsVeth, err)
	}
	handle, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	defer handle.Close()
	if err := netlink.LinkSetNsFd(peer, int(handle)); err != nil {
		return fmt.Errorf("move %s into %s: %w", a.NsVeth, namespace, err)
	}

	nh, err := netlink.NewHandleAt(handle)
	if err != nil {
		return fmt.Errorf("netlink handle in %s: %w", namespace, err)
	}
	defer nh.Close()

	inner, err := nh.LinkByName(a.NsVeth)
	if err != nil {
		return fmt.Errorf("lookup %s in %s: %w", a.NsVeth, namespace, err)
	}
	if err := nh.AddrAdd(inner, addrFor(a.NsIP, a.Block.Bits())); err != nil {
		return fmt.Errorf("address %s: %w", a.NsVeth, err)
	}
	if err := nh.LinkSetUp(inner); err != nil {
		return fmt.Errorf("up %s: %w", a.NsVeth, err)
	}
	lo, err := nh.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup lo in %s: %w", namespace, err)
	}
	if err := nh.LinkSetUp(lo); err != nil {
		return fmt.Errorf("up lo in %s: %w", namespace, err)
	}
	route := &netlink.Route{
		LinkIndex: inner.Attrs().Index,
		Gw:        net.IP(a.HostIP.AsSlice()),
	}
	if err := nh.RouteAdd(route); err != nil {
		return fmt.Errorf("default route in %s: %w", namespace, err)
	}
	return nil
}

func (netlinkManager) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (netlinkManager) LinkUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

func (netlinkManager) NamespaceLinkUp(namespace, name string) (bool, error) {
	handle, err := netns.GetFromName(namespace)
	if err != nil {
		return false, nil
	}
	defer handle.Close()
	nh, err := netlink.NewHandleAt(handle)
	if err != nil {
		return false, err
	}
	defer nh.Close()
	link, err := nh.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

func (netlinkManager) HostLinks() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}

func addrFor(ip netip.Addr, bits int) *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(ip.AsSlice()),
		Mask: net.CIDRMask(bits, 32),
	}}
}
