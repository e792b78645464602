package gatt

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ServiceInfo is one enumerated service as reported by the platform layer.
type ServiceInfo struct {
	UUID        string
	StartHandle uint16
	EndHandle   uint16
}

// CharacteristicInfo is one enumerated characteristic within a service.
type CharacteristicInfo struct {
	UUID        string
	ValueHandle uint16
	CCCDHandle  uint16
	Props       Properties
}

// Discoverer is the slice of the platform transport the engine needs.
// Enumeration is sequential per the ATT protocol: services first, then
// characteristics per service, never in parallel on one connection.
type Discoverer interface {
	DiscoverServices(ctx context.Context) ([]ServiceInfo, error)
	DiscoverCharacteristics(ctx context.Context, svc ServiceInfo) ([]CharacteristicInfo, error)
}

// Want names one characteristic the application requires.
type Want struct {
	Service        string
	Characteristic string
}

func (w Want) String() string {
	return fmt.Sprintf("%s/%s", ShortenUUID(NormalizeUUID(w.Service)), ShortenUUID(NormalizeUUID(w.Characteristic)))
}

// IncompleteError reports wanted characteristics the peripheral does not
// expose. Unresolved entries are reported, never silently dropped.
type IncompleteError struct {
	Missing []Want
}

func (e *IncompleteError) Error() string {
	names := make([]string, len(e.Missing))
	for i, w := range e.Missing {
		names[i] = w.String()
	}
	return fmt.Sprintf("discovery incomplete: missing characteristics: %s", strings.Join(names, ", "))
}

// Engine enumerates a connected peripheral's layout and resolves wanted
// characteristic UUIDs into a handle Table. Re-running discovery is safe:
// the new table replaces the old one atomically, so consumers never observe
// a mixed-generation view.
type Engine struct {
	logger     *logrus.Logger
	generation atomic.Uint64
	current    atomic.Pointer[Table]
}

// NewEngine creates a discovery engine.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{logger: logger}
}

// Current returns the most recent completed table, or nil when no discovery
// has completed since the last Invalidate.
func (e *Engine) Current() *Table {
	return e.current.Load()
}

// Invalidate drops all resolved handles. Called on disconnect; handles from
// a dead connection must not leak into the next one.
func (e *Engine) Invalidate() {
	e.current.Store(nil)
}

// Discover enumerates all services, then all characteristics per service,
// and resolves the wanted set. The completed table is swapped in atomically
// even when wanted entries are missing; in that case the returned error is
// an *IncompleteError and the caller decides whether the partial table is
// acceptable.
func (e *Engine) Discover(ctx context.Context, d Discoverer, wanted []Want) (*Table, error) {
	gen := e.generation.Add(1)
	table := newTable(gen)

	services, err := d.DiscoverServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("service enumeration failed: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"generation": gen,
		"services":   len(services),
	}).Debug("Enumerated services")

	for _, svc := range services {
		svcUUID := NormalizeUUID(svc.UUID)
		chars, err := d.DiscoverCharacteristics(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("characteristic enumeration failed for service %s: %w", ShortenUUID(svcUUID), err)
		}
		for _, chr := range chars {
			h := &Handle{
				ServiceUUID: svcUUID,
				UUID:        NormalizeUUID(chr.UUID),
				KnownName:   LookupCharacteristic(chr.UUID),
				ValueHandle: chr.ValueHandle,
				CCCDHandle:  chr.CCCDHandle,
				Props:       chr.Props,
			}
			table.add(h)
			e.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    h.UUID,
				"value_handle": fmt.Sprintf("0x%04x", h.ValueHandle),
			}).Debug("Found characteristic")
		}
	}

	var missing []Want
	for _, w := range wanted {
		if _, ok := table.Lookup(w.Service, w.Characteristic); !ok {
			missing = append(missing, w)
		}
	}

	// Swap the completed generation in regardless of completeness; partial
	// tables are still internally consistent and the caller owns the
	// accept-or-teardown decision.
	e.current.Store(table)

	if len(missing) > 0 {
		return table, &IncompleteError{Missing: missing}
	}

	e.logger.WithFields(logrus.Fields{
		"generation": gen,
		"handles":    table.Len(),
	}).Info("Discovery complete")
	return table, nil
}
