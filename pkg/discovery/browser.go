package discovery

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

const (
	browseDomain       = "local."
	browseCycleTimeout = 5 * time.Second
)

// Browser continuously browses an mDNS service type for field nodes.
// Nodes advertising their control channel over mDNS re-announce on address
// change, so the browser re-emits every sighting and leaves suppression to
// the debouncer.
type Browser struct {
	serviceType string
	period      time.Duration
}

// NewBrowser returns a Browser for the given service type.
func NewBrowser(serviceType string, period time.Duration) *Browser {
	return &Browser{serviceType: serviceType, period: period}
}

// Run browses in cycles until done is closed. zeroconf closes its entry
// channel at the end of every browse, so each cycle gets a fresh resolver
// and channel.
func (b *Browser) Run(done <-chan struct{}, emit func(Announcement)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	log.WithField("service", b.serviceType).Info("mDNS browser started")

	for {
		select {
		case <-done:
			log.Info("mDNS browser stopped")
			return
		default:
		}

		b.browseCycle(ctx, emit)

		select {
		case <-done:
			log.Info("mDNS browser stopped")
			return
		case <-time.After(b.period):
		}
	}
}

func (b *Browser) browseCycle(ctx context.Context, emit func(Announcement)) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.WithError(err).Error("Failed to create mDNS resolver")
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 10)

	browseCtx, browseCancel := context.WithTimeout(ctx, browseCycleTimeout)
	defer browseCancel()

	go func() {
		if err := resolver.Browse(browseCtx, b.serviceType, browseDomain, entries); err != nil {
			log.WithError(err).Debug("mDNS browse failed")
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			if a, ok := announcementFromEntry(entry); ok {
				emit(a)
			}
		case <-browseCtx.Done():
			return
		}
	}
}

// announcementFromEntry maps an mDNS advertisement onto an announcement.
// TXT records carry the node identity; the SRV port is the control channel.
func announcementFromEntry(entry *zeroconf.ServiceEntry) (Announcement, bool) {
	txt := parseTXT(entry.Text)

	id := device.ID(txt["device_id"])
	if id.IsNil() && txt["mac"] != "" {
		id = device.IDFromMAC(txt["mac"])
	}
	if id.IsNil() {
		return Announcement{}, false
	}
	if len(entry.AddrIPv4) == 0 {
		return Announcement{}, false
	}

	udpPort, _ := strconv.Atoi(txt["udp_port"])

	return Announcement{
		DeviceID: id,
		MAC:      txt["mac"],
		Addr:     entry.AddrIPv4[0],
		TCPPort:  entry.Port,
		UDPPort:  udpPort,
		Firmware: txt["firmware"],
		Source:   "mdns",
	}, true
}

func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		if k, v, ok := strings.Cut(r, "="); ok {
			txt[k] = v
		}
	}
	return txt
}
