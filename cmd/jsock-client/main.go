// jsock-client is an example client: it connects to a jsock server,
// optionally through a SOCKS5 proxy, sends one framed JSON message per
// line read from stdin, and prints each reply.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/net/proxy"

	"github.com/cpiekarski/jsockd/pkg/jsock"
	"github.com/cpiekarski/jsockd/pkg/logger"
)

func main() {
	address := flag.String("address", "127.0.0.1", "jsock server address")
	port := flag.Int("port", 7000, "jsock server port")
	timeout := flag.Duration("timeout", 5*time.Second, "per-attempt dial timeout")
	recvTimeout := flag.Duration("recv-timeout", 30*time.Second, "read timeout once connected")
	socksAddr := flag.String("socks", "", "optional SOCKS5 proxy address, e.g. 127.0.0.1:1080")
	flag.Parse()

	c := jsock.NewClient(*address, *port, *timeout, *recvTimeout)

	if *socksAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", *socksAddr, nil, proxy.Direct)
		if err != nil {
			logger.Error("socks dialer: %v", err)
			os.Exit(1)
		}
		c.Dialer = dialer
	}

	if !c.Connect() {
		logger.Error("failed to connect to %s:%d", *address, *port)
		os.Exit(1)
	}
	defer c.Close()
	logger.Info("connected to %s:%d", *address, *port)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			fmt.Fprintf(os.Stderr, "invalid JSON: %v\n", err)
			continue
		}
		if err := c.SendObj(v); err != nil {
			logger.Error("send: %v", err)
			return
		}
		reply, err := c.ReadObj()
		if err != nil {
			logger.Error("read: %v", err)
			return
		}
		out, _ := json.Marshal(reply)
		fmt.Println(string(out))
	}
}
