// Package discovery announces and finds skillsync servers on the local
// network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type servers register under.
	ServiceType = "_skillsync._tcp"
	Domain      = "local."
)

// Service is a discovered server.
type Service struct {
	Instance string
	Host     string
	Addr     string
	Port     int
	Version  string
}

// BaseURL returns the HTTP base URL of the service.
func (s Service) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

// Announcement is a live registration. Shutdown withdraws it.
type Announcement struct {
	server *zeroconf.Server
}

func (a *Announcement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Announce registers this host's server on port. An empty instance name
// defaults to skillsync-<hostname>.
func Announce(instance string, port int, version string) (*Announcement, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", "skillsync", host)
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port,
		[]string{"txtv=0", "version=" + version}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return &Announcement{server: server}, nil
}

// Lookup browses until ctx is done and returns the services seen, sorted by
// instance name.
func Lookup(ctx context.Context) ([]Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Service)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if s, ok := fromEntry(entry); ok {
					found[s.Instance] = s
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	<-done

	services := make([]Service, 0, len(found))
	for _, s := range found {
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Instance < services[j].Instance })
	return services, nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Service, bool) {
	if e == nil {
		return Service{}, false
	}
	s := Service{Instance: e.Instance, Host: e.HostName, Port: e.Port}
	switch {
	case len(e.AddrIPv4) > 0:
		s.Addr = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		s.Addr = e.AddrIPv6[0].String()
	default:
		return Service{}, false
	}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "version="); ok {
			s.Version = v
		}
	}
	return s, true
}
