package serialport

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Change is a port that appeared or disappeared between two scans.
type Change struct {
	Device   Device
	Attached bool
}

// Lister enumerates the ports currently visible to the host.
type Lister interface {
	ListDevices() ([]Device, error)
}

// Watcher diffs successive port scans. It is not safe for concurrent use.
type Watcher struct {
	lister Lister
	known  map[string]Device
	primed bool
}

func NewWatcher(l Lister) *Watcher {
	return &Watcher{lister: l, known: make(map[string]Device)}
}

// Scan lists the ports and returns the changes since the previous scan,
// detaches first, each group sorted by port. The first scan only records
// what is present.
func (w *Watcher) Scan() ([]Change, error) {
	devices, err := w.lister.ListDevices()
	if err != nil {
		return nil, err
	}

	current := make(map[string]Device, len(devices))
	for _, d := range devices {
		current[d.Port] = d
	}

	var detached, attached []Change
	if w.primed {
		for port, d := range w.known {
			if _, ok := current[port]; !ok {
				detached = append(detached, Change{Device: d})
			}
		}
		for port, d := range current {
			if _, ok := w.known[port]; !ok {
				attached = append(attached, Change{Device: d, Attached: true})
			}
		}
	}
	w.known = current
	w.primed = true

	byPort := func(c []Change) {
		sort.Slice(c, func(i, j int) bool { return c[i].Device.Port < c[j].Device.Port })
	}
	byPort(detached)
	byPort(attached)

	return append(detached, attached...), nil
}

// Run scans every interval until ctx is done and hands each change to fn.
// A failed scan keeps the previous snapshot.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, logger logrus.FieldLogger, fn func(Change)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes, err := w.Scan()
			if err != nil {
				logger.WithError(err).Debug("port scan failed")
				continue
			}
			for _, c := range changes {
				fn(c)
			}
		}
	}
}
