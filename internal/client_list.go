package internal

import (
	"container/list"
	"sync"

	"github.com/dcrodman/chessd/internal/core/client"
)

// clientList is shared by every listener so that max_connections applies to
// the server as a whole.
type clientList struct {
	clients *list.List
	max     int
	sync.RWMutex
}

func newClientList(max int) *clientList {
	return &clientList{clients: list.New(), max: max}
}

// isServerFull reports whether another client may connect. A limit of zero or
// less means there is none.
func (cl *clientList) isServerFull() bool {
	return cl.max > 0 && cl.len() >= cl.max
}

func (cl *clientList) add(c *client.Client) {
	cl.Lock()
	cl.clients.PushBack(c)
	cl.Unlock()
}

// Note: this comparison is by element value since clients on the same host
// share an IP address.
func (cl *clientList) remove(c *client.Client) {
	cl.Lock()
	defer cl.Unlock()

	for clientElem := cl.clients.Front(); clientElem != nil; clientElem = clientElem.Next() {
		if clientElem.Value.(*client.Client) == c {
			cl.clients.Remove(clientElem)
			return
		}
	}
}

func (cl *clientList) len() int {
	cl.RLock()
	defer cl.RUnlock()
	return cl.clients.Len()
}

// closeAll closes every connection, which unblocks their read loops.
func (cl *clientList) closeAll() {
	cl.RLock()
	defer cl.RUnlock()

	for clientElem := cl.clients.Front(); clientElem != nil; clientElem = clientElem.Next() {
		_ = clientElem.Value.(*client.Client).Close()
	}
}
