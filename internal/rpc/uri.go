package rpc

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/dreamware/shuffle/internal/procgroup"
)

// URIConfig carries the endpoint-resolution settings.
type URIConfig struct {
	Proto   string // transport protocol family, e.g. "tcp" or "sm"
	Subnet  string // required prefix of the interface IPv4 address
	MinPort int    // inclusive port search range
	MaxPort int
}

// PrepareURI selects this rank's transport endpoint: a network family, an
// interface whose address matches the configured subnet prefix, and a
// free port striped by node-local rank. Shared-memory protocols short
// circuit to a pid-based address valid only inside one node.
func PrepareURI(g procgroup.Group, cfg URIConfig) (string, error) {
	if strings.Contains(cfg.Proto, "sm") {
		return prepareSMURI(g, cfg)
	}
	if g.Rank() == 0 {
		log.Printf("[shuffle] using %s", cfg.Proto)
	}

	if err := checkPortRange(cfg); err != nil {
		return "", err
	}
	if g.Rank() == 0 {
		log.Printf("[shuffle] using subnet %s*", cfg.Subnet)
		if cfg.Subnet == "127.0.0.1" {
			log.Printf("[shuffle] WARNING: loopback subnet, single-node only")
		}
		log.Printf("[shuffle] using port range [%d,%d]", cfg.MinPort, cfg.MaxPort)
	}

	ip, err := subnetAddr(cfg.Subnet)
	if err != nil {
		return "", err
	}

	// Stripe the search by node-local rank so colocated ranks probe
	// disjoint ports.
	local := g.SplitNode()
	rank, size := local.Rank(), local.Size()
	local.Free()

	port := probePort(cfg, rank, size)
	if port == 0 {
		return "", fmt.Errorf("rpc: no free ports in [%d,%d]", cfg.MinPort, cfg.MaxPort)
	}
	return fmt.Sprintf("%s://%s:%d", cfg.Proto, ip, port), nil
}

// prepareSMURI emits the shared-memory address form proto://pid:port.
func prepareSMURI(g procgroup.Group, cfg URIConfig) (string, error) {
	if g.Rank() == 0 {
		log.Printf("[shuffle] WARNING: using %s, may only be used in single-node tests", cfg.Proto)
	}
	if err := checkPortRange(cfg); err != nil {
		return "", err
	}
	if g.Rank() == 0 {
		log.Printf("[shuffle] using port range [%d,%d]", cfg.MinPort, cfg.MaxPort)
	}
	return fmt.Sprintf("%s://%d:%d", cfg.Proto, os.Getpid(), cfg.MinPort), nil
}

func checkPortRange(cfg URIConfig) error {
	if cfg.MaxPort < cfg.MinPort {
		return fmt.Errorf("rpc: bad min-max port [%d,%d]", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.MinPort < 1 {
		return fmt.Errorf("rpc: bad min port %d", cfg.MinPort)
	}
	if cfg.MaxPort > 65535 {
		return fmt.Errorf("rpc: bad max port %d", cfg.MaxPort)
	}
	return nil
}

// subnetAddr returns the first local IPv4 address whose textual form
// starts with the subnet prefix.
func subnetAddr(subnet string) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("rpc: interface addrs: %w", err)
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		if strings.HasPrefix(ip4.String(), subnet) {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("rpc: no ip addr matching subnet %s*", subnet)
}

// probePort walks the configured range starting at an offset derived from
// the node-local rank, stepping by the node-local size, and returns the
// first port a stream socket can bind. When the range is exhausted it
// falls back to an ephemeral port; 0 means even that failed.
func probePort(cfg URIConfig, rank, size int) int {
	span := 1 + cfg.MaxPort - cfg.MinPort
	port := cfg.MinPort + rank%span
	for ; port <= cfg.MaxPort; port += size {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}

	log.Printf("[shuffle] WARNING: no free ports within the specified range, auto detecting")
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0
	}
	port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
