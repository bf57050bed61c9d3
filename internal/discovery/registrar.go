package discovery

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/registry"
)

// Registrar feeds discovered devices into the registry. It is a plain bus
// subscriber, so registration follows the same path whether a device was
// found over mDNS or added by hand.
type Registrar struct {
	bus *bus.Bus
	reg *registry.Registry
	log *logrus.Logger
}

func NewRegistrar(b *bus.Bus, reg *registry.Registry, log *logrus.Logger) *Registrar {
	return &Registrar{bus: b, reg: reg, log: log}
}

// Run consumes discovery events until ctx is cancelled or the bus closes.
func (r *Registrar) Run(ctx context.Context) {
	sub := r.bus.Subscribe()
	defer sub.Close()

	for {
		e, err := sub.Recv(ctx)
		if err != nil {
			var lag *bus.LagError
			if errors.As(err, &lag) {
				r.log.WithField("skipped", lag.Skipped).Warn("registrar lagged behind the bus")
				continue
			}
			return
		}
		d, ok := e.(bus.DeviceDiscovered)
		if !ok {
			continue
		}
		if _, err := r.reg.Register(d.Name, d.IP, "", d.Hostname, "", d.Method); err != nil {
			r.log.WithError(err).WithField("ip", d.IP).Warn("register discovered device")
		}
	}
}
