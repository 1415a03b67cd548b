package process

import (
	"net"

	"jobctl/internal/apperrors"
)

// Host identifies the machine a process runs on.
type Host struct {
	IPAddress       string
	PhysicalAddress string
}

// LocalHost returns the first up, non-loopback interface with an IPv4 address.
func LocalHost() (Host, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Host{}, apperrors.Internal("process.localHost", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return Host{IPAddress: ipnet.IP.String(), PhysicalAddress: iface.HardwareAddr.String()}, nil
		}
	}
	return Host{IPAddress: "127.0.0.1"}, nil
}

// IsLocal reports whether ip names this host. A blank ip is local.
func (h Host) IsLocal(ip string) bool {
	if ip == "" || ip == h.IPAddress {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
