package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Device is one advertiser seen during a scan.
type Device struct {
	Address string
	Name    string
	RSSI    int16
}

// Scan listens for advertisements until ctx ends and returns the devices
// whose local name starts with namePrefix, strongest signal first.
func Scan(ctx context.Context, adapterID, namePrefix string) ([]Device, error) {
	adapter := resolveAdapter(strings.TrimSpace(adapterID))
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	var mu sync.Mutex
	seen := map[string]Device{}
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			name := r.LocalName()
			if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
				return
			}
			mu.Lock()
			seen[r.Address.String()] = Device{Address: r.Address.String(), Name: name, RSSI: r.RSSI}
			mu.Unlock()
		})
	}()

	var err error
	select {
	case <-ctx.Done():
		if stopErr := adapter.StopScan(); stopErr != nil {
			err = fmt.Errorf("stop scan: %w", stopErr)
		}
		<-scanErr
	case err = <-scanErr:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}
