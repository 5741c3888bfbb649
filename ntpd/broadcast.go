/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ntpd

import "net"

// BroadcastTarget is one interface's IPv4 source address and directed
// broadcast destination.
type BroadcastTarget struct {
	SourceIP net.IP
	DestIP   net.IP
}

// BroadcastTargets enumerates every non-loopback IPv4 interface address and
// computes its directed broadcast address (ifaddr | ~mask), per §4.4: the
// destination is never the limited broadcast 255.255.255.255.
func BroadcastTargets() ([]BroadcastTarget, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var targets []BroadcastTarget
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			targets = append(targets, BroadcastTarget{
				SourceIP: ip4,
				DestIP:   directedBroadcast(ip4, ipnet.Mask),
			})
		}
	}
	return targets, nil
}

// directedBroadcast computes ifaddr | ~mask for an IPv4 address and mask.
func directedBroadcast(ip net.IP, mask net.IPMask) net.IP {
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}
