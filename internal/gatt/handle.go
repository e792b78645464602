package gatt

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Properties is the characteristic property bitmask as reported by the
// peripheral during discovery.
type Properties uint8

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedWrites
	PropExtended
)

func (p Properties) CanRead() bool                 { return p&PropRead != 0 }
func (p Properties) CanWrite() bool                { return p&PropWrite != 0 }
func (p Properties) CanWriteWithoutResponse() bool { return p&PropWriteWithoutResponse != 0 }
func (p Properties) CanNotify() bool               { return p&PropNotify != 0 }
func (p Properties) CanIndicate() bool             { return p&PropIndicate != 0 }

// Handle is a resolved (service UUID, characteristic UUID) -> attribute
// handle mapping. Immutable once resolved for a connection generation; the
// whole table is invalidated on disconnect.
type Handle struct {
	ServiceUUID string
	UUID        string
	KnownName   string
	ValueHandle uint16
	CCCDHandle  uint16 // 0 when the characteristic has no CCCD
	Props       Properties
}

func (h *Handle) String() string {
	return fmt.Sprintf("Handle{svc=%s chr=%s value=0x%04x props=0x%02x}",
		ShortenUUID(h.ServiceUUID), ShortenUUID(h.UUID), h.ValueHandle, uint8(h.Props))
}

type handleKey struct {
	service string
	chr     string
}

// Table holds one discovery generation's resolved handles in discovery
// order. A Table is immutable after Discover returns it; re-discovery
// produces a fresh Table that replaces the old one atomically.
type Table struct {
	generation uint64
	handles    *orderedmap.OrderedMap[handleKey, *Handle]
	byValue    map[uint16]*Handle
}

func newTable(generation uint64) *Table {
	return &Table{
		generation: generation,
		handles:    orderedmap.New[handleKey, *Handle](),
		byValue:    make(map[uint16]*Handle),
	}
}

func (t *Table) add(h *Handle) {
	t.handles.Set(handleKey{service: h.ServiceUUID, chr: h.UUID}, h)
	t.byValue[h.ValueHandle] = h
}

// Generation identifies the discovery run that produced this table.
func (t *Table) Generation() uint64 { return t.generation }

// Len returns the number of resolved handles.
func (t *Table) Len() int { return t.handles.Len() }

// Lookup resolves a (service, characteristic) UUID pair. UUIDs are
// normalized before lookup.
func (t *Table) Lookup(service, chr string) (*Handle, bool) {
	h, ok := t.handles.Get(handleKey{service: NormalizeUUID(service), chr: NormalizeUUID(chr)})
	return h, ok
}

// ByValueHandle resolves a numeric value handle back to its characteristic.
func (t *Table) ByValueHandle(value uint16) (*Handle, bool) {
	h, ok := t.byValue[value]
	return h, ok
}

// Handles returns all resolved handles in discovery order.
func (t *Table) Handles() []*Handle {
	result := make([]*Handle, 0, t.handles.Len())
	for pair := t.handles.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}
