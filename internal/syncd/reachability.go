package syncd

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// reachabilityMonitor probes the sync server's TCP endpoint after a failed
// preflight. Once the endpoint answers, it fires its callback a single time
// and disarms itself.
type reachabilityMonitor struct {
	addr        string
	interval    time.Duration
	dial        func(network, addr string, timeout time.Duration) (net.Conn, error)
	onReachable func()

	stop     chan struct{}
	stopOnce sync.Once
}

func newReachabilityMonitor(addr string, onReachable func()) *reachabilityMonitor {
	return &reachabilityMonitor{
		addr:        addr,
		interval:    probeInterval,
		dial:        net.DialTimeout,
		onReachable: onReachable,
		stop:        make(chan struct{}),
	}
}

func (m *reachabilityMonitor) start() {
	go m.loop()
}

func (m *reachabilityMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.probe() {
				logrus.WithField("addr", m.addr).Infoln("Sync server reachable again")
				m.onReachable()
				return
			}
		}
	}
}

func (m *reachabilityMonitor) probe() bool {
	c, err := m.dial("tcp", m.addr, probeTimeout)
	if err != nil {
		logrus.WithError(err).Debugln("Reachability probe failed")
		return false
	}
	c.Close()
	return true
}

func (m *reachabilityMonitor) halt() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// probeAddr derives the host:port probe target from the sync server base
// URL.
func probeAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing sync server URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("sync server URL %q has no host", baseURL)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}
