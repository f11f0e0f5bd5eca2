package monitor

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
)

// LocalAddrs tracks the addresses relay clients connect to.
// With an interface name only that link is considered, otherwise every link.
type LocalAddrs struct {
	iface string

	mu    sync.RWMutex
	addrs map[netip.Addr]struct{}

	list func(iface string) ([]netip.Addr, error)
}

func NewLocalAddrs(iface string) *LocalAddrs {
	return &LocalAddrs{
		iface: iface,
		addrs: make(map[netip.Addr]struct{}),
		list:  listLinkAddrs,
	}
}

// Refresh re-reads addresses from the kernel.
func (l *LocalAddrs) Refresh() error {
	addrs, err := l.list(l.iface)
	if err != nil {
		return err
	}

	set := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		set[a.Unmap()] = struct{}{}
	}

	l.mu.Lock()
	l.addrs = set
	l.mu.Unlock()
	return nil
}

// IsLocal reports whether addr is one of ours. Before the first successful
// Refresh, or on a nil receiver, every address matches.
func (l *LocalAddrs) IsLocal(addr netip.Addr) bool {
	if l == nil {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.addrs) == 0 {
		return true
	}
	_, ok := l.addrs[addr.Unmap()]
	return ok
}

func (l *LocalAddrs) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.addrs)
}

func listLinkAddrs(iface string) ([]netip.Addr, error) {
	var link netlink.Link
	if iface != "" {
		var err error
		link, err = netlink.LinkByName(iface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", iface, err)
		}
	}

	// A nil link lists addresses of every link.
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}

	var out []netip.Addr
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(addr.IP); ok {
			out = append(out, ip)
		}
	}
	return out, nil
}
