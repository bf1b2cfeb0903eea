package fit

import (
	"net"
	"strings"
)

// GetOutBoundIP reports the local address used to reach the outside network,
// found by dialing a UDP "connection" (no packet actually leaves the host).
// Used to infer a service's advertised address when none is configured.
func GetOutBoundIP() (ip string, err error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	ip = strings.Split(localAddr.String(), ":")[0]
	return ip, nil
}

// GetListenPort extracts the bound TCP port from a listener, for inferring
// a service's advertised port from its actual bind address.
func GetListenPort(ls net.Listener) int {
	return ls.Addr().(*net.TCPAddr).Port
}
