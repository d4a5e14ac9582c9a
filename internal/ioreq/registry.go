package ioreq

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// MaxClients is the capacity of the client table. Identifier 0 is reserved,
// so at most MaxClients-1 clients exist at once.
const MaxClients = 64

// registry hands out client identifiers and owns the id → Client table.
type registry struct {
	mu      sync.Mutex
	ids     bitmap.Bitmap
	clients [MaxClients]*Client
}

func newRegistry() *registry {
	r := &registry{ids: bitmap.New(MaxClients)}
	r.ids.Add(0)
	return r
}

func validID(id int) bool {
	return id > 0 && id < MaxClients
}

// allocate claims the lowest free identifier and installs a fresh Client.
func (r *registry) allocate() (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bit, err := r.ids.FirstZero(1)
	if err != nil || bit >= MaxClients {
		return nil, ErrOutOfSlots
	}
	r.ids.Add(bit)

	c := newClient(int(bit))
	r.clients[bit] = c
	return c, nil
}

// free releases id. It must only be called once the client has quiesced.
func (r *registry) free(id int) {
	if !validID(id) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = nil
	r.ids.Remove(uint32(id))
}

func (r *registry) get(id int) (*Client, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClient, id)
	}
	r.mu.Lock()
	c := r.clients[id]
	r.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClient, id)
	}
	return c, nil
}

// inUse returns the number of allocated identifiers, excluding the reserved one.
func (r *registry) inUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.ids.GetNumOnes()) - 1
}
