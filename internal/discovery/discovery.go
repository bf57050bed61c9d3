// Package discovery advertises this host over mDNS and browses the LAN for
// other hosts. Discovered devices are published to the event bus; the
// registry consumes them as an ordinary subscriber, keeping it the single
// source of truth for identity and auto-approval policy.
package discovery

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/domain"
)

const (
	serviceType = "_sharedmem._tcp"
	serviceName = "SharedMemoryHost"

	browseInterval = 30 * time.Second
	queryTimeout   = 3 * time.Second

	// A device unseen for this long is announced offline.
	offlineAfter = 2 * browseInterval
)

// Advertise registers this host's controller port on the LAN. The returned
// server must be shut down on exit.
func Advertise(port int, log *logrus.Logger) (*mdns.Server, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "shared-memory-host"
	}

	var ips []net.IP
	if ip := localIP(); ip != nil {
		ips = []net.IP{ip}
	}

	service, err := mdns.NewMDNSService(serviceName, serviceType, "", "", port, ips,
		[]string{"host=" + hostname})
	if err != nil {
		return nil, err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"service": serviceType, "port": port}).Info("mdns advertising")
	return server, nil
}

// Browser periodically queries the LAN and publishes device_discovered and
// device_offline events. Our own advertisement is excluded by IP.
type Browser struct {
	bus   *bus.Bus
	log   *logrus.Logger
	ownIP string

	lastSeen map[string]time.Time // service name → last response
}

func NewBrowser(b *bus.Bus, log *logrus.Logger) *Browser {
	ownIP := ""
	if ip := localIP(); ip != nil {
		ownIP = ip.String()
	}
	return &Browser{
		bus:      b,
		log:      log,
		ownIP:    ownIP,
		lastSeen: make(map[string]time.Time),
	}
}

// Run browses until ctx is cancelled.
func (b *Browser) Run(ctx context.Context) {
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	b.browse()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.browse()
			b.expire()
		}
	}
}

func (b *Browser) browse() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			b.handle(entry)
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = queryTimeout
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		b.log.WithError(err).Warn("mdns query failed")
	}
	close(entries)
	<-done
}

func (b *Browser) handle(entry *mdns.ServiceEntry) {
	if entry.AddrV4 == nil {
		return
	}
	ip := entry.AddrV4.String()
	if ip == b.ownIP {
		return
	}

	_, known := b.lastSeen[entry.Name]
	b.lastSeen[entry.Name] = time.Now()
	if known {
		return
	}

	b.log.WithFields(logrus.Fields{"name": entry.Name, "ip": ip}).Info("mdns discovered device")
	b.bus.Publish(bus.DeviceDiscovered{
		IP:       ip,
		Name:     entry.Name,
		Hostname: entry.Host,
		Method:   domain.DiscoveryMDNS,
	})
}

// expire announces devices that stopped answering.
func (b *Browser) expire() {
	cutoff := time.Now().Add(-offlineAfter)
	for name, seen := range b.lastSeen {
		if seen.Before(cutoff) {
			delete(b.lastSeen, name)
			b.log.WithField("name", name).Info("mdns device offline")
			b.bus.Publish(bus.DeviceOffline{Name: name})
		}
	}
}

// localIP finds the primary non-loopback IPv4 address.
func localIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4
			}
		}
	}
	return nil
}
