package jsock

import (
	"net"
	"strconv"
	"time"
)

func dialTCP(address string, port int) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), 2*time.Second)
}
