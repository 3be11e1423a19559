// Package tlmt records anonymous operational telemetry for scan processing.
package tlmt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/host"
)

var (
	once       sync.Once
	identifier machineIdentifier
)

type Event struct {
	AnonymousID string
	Name        string
	Properties  map[string]any
}

func NewEvent(name string, props map[string]any) Event {
	ev := Event{
		AnonymousID: generateMachineID().id,
		Name:        name,
		Properties:  make(map[string]any),
	}

	for k, v := range generateMachineID().meta {
		ev.Properties[k] = v
	}

	for k, v := range props {
		ev.Properties[k] = v
	}

	return ev
}

type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type noop struct{}

// NewNoop returns a Telemetry that drops every event.
func NewNoop() Telemetry {
	return noop{}
}

func (noop) Send(context.Context, Event) error { return nil }

func (noop) Close() error { return nil }

type machineIdentifier struct {
	id   string
	meta map[string]any
}

// generateMachineID derives a stable anonymous id from host properties.
// Nothing identifying leaves the machine.
func generateMachineID() machineIdentifier {
	once.Do(func() {
		hostname, _ := os.Hostname()

		hash := sha256.New()
		hash.Write([]byte(hostname))
		hash.Write([]byte(runtime.GOARCH))
		hash.Write([]byte(runtime.GOOS))
		hash.Write([]byte(runtime.Version()))

		if info, err := host.Info(); err == nil {
			hash.Write([]byte(info.HostID))
		}

		identifier.id = fmt.Sprintf("%x", hash.Sum(nil))

		meta := make(map[string]any)

		if info, err := host.Info(); err == nil {
			meta["os"] = info.OS
			meta["platform"] = info.Platform
			meta["platform_version"] = info.PlatformVersion
		}

		identifier.meta = meta
	})

	return identifier
}
