package main

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	mqttService    = "_mqtt._tcp"
	webService     = "_http._tcp"
	mdnsDomain     = "local."
	browseDeadline = 10 * time.Second
)

type brokerAddr struct {
	Name string
	Host string
	Port int
}

// discoverBroker browses mDNS for an MQTT broker and returns the first one
// that advertises an IPv4 address.
func discoverBroker(ctx context.Context, logger *zap.Logger) (brokerAddr, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return brokerAddr{}, fmt.Errorf("initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, browseDeadline)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan brokerAddr, 1)
	go func() {
		for entry := range entries {
			b, ok := brokerFromEntry(entry)
			if !ok {
				continue
			}
			logger.Info("Discovered MQTT broker", zap.String("name", b.Name), zap.String("host", b.Host), zap.Int("port", b.Port))
			select {
			case found <- b:
				cancel()
			default:
			}
		}
	}()

	if err := resolver.Browse(ctx, mqttService, mdnsDomain, entries); err != nil {
		return brokerAddr{}, fmt.Errorf("browse for %s: %w", mqttService, err)
	}

	select {
	case b := <-found:
		return b, nil
	case <-ctx.Done():
		select {
		case b := <-found:
			return b, nil
		default:
		}
		return brokerAddr{}, fmt.Errorf("%w: no %s service answered within %s", ErrNotFound, mqttService, browseDeadline)
	}
}

func brokerFromEntry(entry *zeroconf.ServiceEntry) (brokerAddr, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return brokerAddr{}, false
	}
	return brokerAddr{
		Name: entry.Instance,
		Host: entry.AddrIPv4[0].String(),
		Port: entry.Port,
	}, true
}

// advertiseWebUI registers the web page as an _http._tcp service so it shows
// up in browsers and launchers on the local network. The returned func
// withdraws it.
func advertiseWebUI(instance string, port int, topic string, logger *zap.Logger) (func(), error) {
	txt := []string{"path=/", "topic=" + topic}
	server, err := zeroconf.Register(instance, webService, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", webService, err)
	}
	logger.Info("Advertising web UI", zap.String("instance", instance), zap.Int("port", port))
	return server.Shutdown, nil
}

// instanceName picks the mDNS instance name for this host.
func instanceName(hostname func() (string, error)) string {
	name, err := hostname()
	if err != nil || name == "" {
		return "Shairport Display"
	}
	return "Shairport Display on " + name
}
