// Package mdns advertises the server itself on the local network so field
// nodes and browser clients can locate it without configuration.
package mdns

import (
	"fmt"
	"net"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/internal/netutil"
	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

// The full advertised record type is "_http._tcp.local."; zeroconf takes
// the service and domain parts separately.
const (
	serviceType   = "_http._tcp"
	serviceDomain = "local."
	instanceName  = "device-manager"
	hostName      = "device-manager"

	keepalivePeriod = 30 * time.Second
)

// Advertiser registers a single mDNS service instance carrying every
// eligible local address. Registering all addresses matters: responders
// answer A-record queries with addresses matching the querying interface's
// subnet, so a single registered IP leaves clients on other subnets with
// no answer at all.
type Advertiser struct {
	port   int
	server *zeroconf.Server
	addrs  []net.IP
	done   chan struct{}
}

// NewAdvertiser enumerates and filters local interfaces and registers the
// service. Enumeration failure and an empty eligible set are both fatal;
// a server nobody can resolve is not worth running.
func NewAdvertiser(port int) (*Advertiser, error) {
	addrs, err := netutil.EligibleAddrs()
	if err != nil {
		return nil, fmt.Errorf("mdns interface enumeration: %w", err)
	}

	ips := make([]string, len(addrs))
	for i, ip := range addrs {
		ips[i] = ip.String()
	}

	txt := []string{
		"version=1.0",
		"path=/",
		"type=device-manager",
		"protocol=http",
	}

	server, err := zeroconf.RegisterProxy(instanceName, serviceType, serviceDomain, port, hostName, ips, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	log.WithField("addrs", ips).WithField("port", port).Info("mDNS service registered")

	a := &Advertiser{
		port:   port,
		server: server,
		addrs:  addrs,
		done:   make(chan struct{}),
	}
	go a.keepalive()

	return a, nil
}

// Addrs returns the advertised addresses.
func (a *Advertiser) Addrs() []net.IP {
	return a.addrs
}

// Close unregisters the service.
func (a *Advertiser) Close() {
	close(a.done)
	a.server.Shutdown()
	log.Info("mDNS service unregistered")
}

// keepalive holds the registration alive until Close. The responder keeps
// the records registered on its own; this goroutine only pins the server's
// lifetime to the advertiser's.
func (a *Advertiser) keepalive() {
	ticker := time.NewTicker(keepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}
	}
}
