// Package discovery continuously browses the local network for AirPlay
// (RAOP) speakers via mDNS and reports deduplicated snapshots to a
// caller-supplied callback.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grandcat/zeroconf"
)

// serviceType is the mDNS service type browsed for AirPlay/RAOP speakers.
const serviceType = "_raop._tcp"

// domain is the mDNS domain browsed.
const domain = "local."

// Callback receives a sorted, deduplicated snapshot of currently known
// speakers after every add/remove/resolve event.
type Callback func(snapshot []Speaker)

// Discovery browses mDNS for `_raop._tcp` services and maintains the
// current id -> Speaker map, invoking Callback on every change.
type Discovery struct {
	log *slog.Logger

	mu       sync.Mutex
	speakers map[string]Speaker
	callback Callback

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Discovery. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		log:      log.With("component", "discovery"),
		speakers: make(map[string]Speaker),
	}
}

// Start launches the background browse activity. callback is invoked with
// a fresh snapshot after every change to the speaker set. Start is not
// safe to call concurrently with itself or Stop.
func (d *Discovery) Start(callback Callback) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.callback = callback
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)

	entries := make(chan *zeroconf.ServiceEntry, 32)

	go d.consume(entries)

	go func() {
		defer close(d.done)
		defer d.running.Store(false)
		if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
			d.log.Error("browse failed, discovery stopped", "error", err)
			return
		}
		<-ctx.Done()
	}()

	return nil
}

// Stop cooperatively cancels the browse activity and joins it before
// returning.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

// IsRunning reports whether the browse activity is currently active.
func (d *Discovery) IsRunning() bool { return d.running.Load() }

// consume reads resolved mDNS entries and merges them into the speaker map,
// invoking the callback after every add/update and every remove.
func (d *Discovery) consume(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		if entry.TTL == 0 {
			id := instanceToID(entry.Instance)
			d.log.Debug("speaker removed", "id", id)
			d.emit(d.remove(id))
			continue
		}

		speaker, ok := d.resolve(entry)
		if !ok {
			continue
		}

		d.mu.Lock()
		d.speakers[speaker.ID] = speaker
		snapshot := d.snapshotLocked()
		d.mu.Unlock()

		d.log.Debug("speaker resolved", "id", speaker.ID, "name", speaker.Name, "ip", speaker.IPv4)
		d.emit(snapshot)
	}
}

// resolve translates a raw mDNS service entry into a Speaker, discarding
// entries with no usable IPv4 address per spec.md §4.1. IPv6-only results
// are dropped; "0.0.0.0" is treated as unresolvable.
func (d *Discovery) resolve(entry *zeroconf.ServiceEntry) (Speaker, bool) {
	if len(entry.AddrIPv4) == 0 {
		d.log.Debug("resolve skipped: no IPv4 address", "instance", entry.Instance)
		return Speaker{}, false
	}

	ip := entry.AddrIPv4[0].String()
	if ip == "" || ip == "0.0.0.0" {
		d.log.Debug("resolve skipped: unresolvable address", "instance", entry.Instance)
		return Speaker{}, false
	}

	id := instanceToID(entry.Instance)

	txt := parseTXT(entry.Text)
	name := friendlyName(entry.Instance)

	return deriveSpeaker(id, name, entry.HostName, ip, entry.Port, txt), true
}

// instanceToID derives a stable speaker id from the full mDNS service
// instance name, per spec.md §3 ("id derived from stable mDNS full
// service name").
func instanceToID(instance string) string {
	id := strings.TrimSuffix(instance, "."+serviceType+"."+domain)
	if id == "" {
		return instance
	}
	return id
}

// friendlyName extracts the human-readable device name from a RAOP mDNS
// instance, which is conventionally "<hex id>@<Device Name>".
func friendlyName(instance string) string {
	if idx := strings.LastIndex(instance, "@"); idx != -1 && idx+1 < len(instance) {
		return strings.TrimSpace(instance[idx+1:])
	}
	return instance
}

// snapshotLocked returns a sorted, deduplicated slice of the current
// speaker set. Callers must hold d.mu.
func (d *Discovery) snapshotLocked() []Speaker {
	out := make([]Speaker, 0, len(d.speakers))
	for _, sp := range d.speakers {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Discovery) emit(snapshot []Speaker) {
	if d.callback != nil {
		d.callback(snapshot)
	}
}

// remove drops a speaker from the known set (used on mDNS "remove" events,
// which zeroconf surfaces as entries with TTL 0) and returns the resulting
// snapshot.
func (d *Discovery) remove(id string) []Speaker {
	d.mu.Lock()
	delete(d.speakers, id)
	snapshot := d.snapshotLocked()
	d.mu.Unlock()
	return snapshot
}
