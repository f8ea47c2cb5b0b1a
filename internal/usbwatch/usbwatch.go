// Package usbwatch discovers Bitaxe devices as they appear and vanish.
// gousb has no hotplug callback, so the watcher enumerates matching
// devices on an interval and diffs against the last-seen set, emitting
// connect/disconnect events for the backplane.
package usbwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"mujina-miner/internal/backplane"
	"mujina-miner/internal/board"
)

// The Bitaxe Gamma enumerates as an Espressif USB-Serial/JTAG composite
// device: two CDC-ACM interfaces, control channel on the lower-numbered
// port.
const (
	VendorID  = 0x303A
	ProductID = 0x1001
)

const pollInterval = 2 * time.Second

// Watcher polls the USB bus and feeds hotplug events into the
// backplane.
type Watcher struct {
	ctx    *gousb.Context
	events chan<- backplane.Event
	log    *logrus.Entry
	seen   map[string]board.DeviceInfo
}

// New builds a watcher feeding events. The gousb context is owned by
// the watcher and closed when Run returns.
func New(events chan<- backplane.Event) *Watcher {
	return &Watcher{
		ctx:    gousb.NewContext(),
		events: events,
		log:    logrus.WithField("component", "usbwatch"),
		seen:   make(map[string]board.DeviceInfo),
	}
}

// Run polls until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.ctx.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.poll()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) poll() {
	current, err := w.enumerate()
	if err != nil {
		w.log.WithError(err).Warn("usb enumeration failed")
		return
	}

	for serial, info := range current {
		if _, ok := w.seen[serial]; !ok {
			info := info
			w.events <- backplane.Event{Connected: &info}
		}
	}
	for serial := range w.seen {
		if _, ok := current[serial]; !ok {
			w.events <- backplane.Event{Disconnected: serial}
		}
	}
	w.seen = current
}

// enumerate opens every matching device just long enough to read its
// serial, then resolves the two CDC-ACM port paths from /dev/serial.
func (w *Watcher) enumerate() (map[string]board.DeviceInfo, error) {
	found := make(map[string]board.DeviceInfo)

	devs, err := w.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == VendorID && uint16(desc.Product) == ProductID
	})
	for _, dev := range devs {
		serial, serr := dev.SerialNumber()
		dev.Close()
		if serr != nil || serial == "" {
			continue
		}

		control, data, perr := resolvePorts(serial)
		if perr != nil {
			w.log.WithField("serial", serial).WithError(perr).Warn("ports not resolvable yet")
			continue
		}
		found[serial] = board.DeviceInfo{
			Serial:      serial,
			ControlPort: control,
			DataPort:    data,
			VendorID:    VendorID,
			ProductID:   ProductID,
		}
	}
	if err != nil {
		return found, fmt.Errorf("open devices: %w", err)
	}
	return found, nil
}

// resolvePorts maps a device serial to its two tty paths via the
// by-id symlinks udev maintains. Sorted order puts the lower-numbered
// interface (the control channel) first.
func resolvePorts(serial string) (control, data string, err error) {
	pattern := fmt.Sprintf("/dev/serial/by-id/*%s*", serial)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", "", err
	}
	if len(matches) < 2 {
		return "", "", fmt.Errorf("expected 2 CDC-ACM ports for %s, found %d", serial, len(matches))
	}
	sort.Strings(matches)
	return matches[0], matches[1], nil
}
