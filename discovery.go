package adb

import (
	"context"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Service types advertised over mDNS by wireless-debugging devices.
const (
	// PairingService is advertised while the pairing dialog is open on the
	// device; the advertised port accepts TLS pairing connections.
	PairingService = "_adb-tls-pairing._tcp"
	// ConnectService is advertised by devices ready for direct TLS
	// connections from already-paired hosts.
	ConnectService = "_adb-tls-connect._tcp"
)

// ServiceEvent is one discovered device endpoint.
type ServiceEvent struct {
	// Instance is the advertised service name, e.g. "adb-XXXXXXXX-abcdef".
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
}

// Addr returns a dialable "host:port" for the event, preferring a resolved
// IPv4 address over the hostname.
func (e ServiceEvent) Addr() string {
	host := e.Host
	for _, a := range e.Addrs {
		if a.To4() != nil {
			host = a.String()
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Discovery browses the local network for one adb service type and
// publishes what it finds. Failures to even start browsing are reported by
// DiscoverServices, and are never fatal to established sessions. Stop it
// when done; there is no hidden process-wide listener.
type Discovery struct {
	cancel context.CancelFunc
	events chan ServiceEvent
}

// DiscoverServices starts browsing for the given service type
// (PairingService or ConnectService).
func DiscoverServices(service string) (*Discovery, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "error creating mDNS resolver")
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	d := &Discovery{
		cancel: cancel,
		events: make(chan ServiceEvent),
	}
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "error browsing for %s", service)
	}
	go d.publish(entries)
	return d, nil
}

// C returns a channel that can be received on to get discovered endpoints.
// The channel is closed when browsing ends or Stop is called.
func (d *Discovery) C() <-chan ServiceEvent {
	return d.events
}

// Stop ends browsing and closes the channel returned by C.
func (d *Discovery) Stop() {
	d.cancel()
}

func (d *Discovery) publish(entries <-chan *zeroconf.ServiceEntry) {
	defer close(d.events)

	for entry := range entries {
		if entry == nil {
			continue
		}
		event := ServiceEvent{
			Instance: entry.Instance,
			Host:     entry.HostName,
			Port:     entry.Port,
			Addrs:    append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...),
		}
		logrus.WithFields(logrus.Fields{"instance": event.Instance, "addr": event.Addr()}).
			Debug("adb: discovered service")
		d.events <- event
	}
}
