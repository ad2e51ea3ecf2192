// Package mynet finds the local network interface facing the default gateway.
package mynet

import (
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/jackpal/gateway"
)

// LanInterfaces returns the interface whose network contains the default gateway.
func LanInterfaces(log logr.Logger) ([]net.Interface, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("finding network gateway: %w", err)
	}
	log.V(1).Info("Found gateway", "ip", gw.String())

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	return selectInterfaces(log, gw, ifaces, func(i net.Interface) ([]net.Addr, error) { return i.Addrs() })
}

func selectInterfaces(log logr.Logger, gw net.IP, ifaces []net.Interface, addrsOf func(net.Interface) ([]net.Addr, error)) ([]net.Interface, error) {
	for _, i := range ifaces {
		addrs, err := addrsOf(i)
		if err != nil {
			log.V(1).Info("Skipping interface", "name", i.Name, "error", err)
			continue
		}
		for _, a := range addrs {
			_, nw, err := net.ParseCIDR(a.String())
			if err != nil {
				continue
			}
			if nw.Contains(gw) {
				log.V(1).Info("Selected interface", "name", i.Name, "addr", a.String())
				return []net.Interface{i}, nil
			}
		}
	}
	return nil, fmt.Errorf("no interface on the same network as gateway %v", gw)
}
