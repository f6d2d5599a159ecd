package worker

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Client is a page (window) known to the worker.
type Client struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Controller string `json:"controller,omitempty"` // version controlling the client
	Focused    bool   `json:"focused"`
}

// Clients is the registry of open pages. Pages announce themselves on fetch
// events; windows opened from notifications are added by OpenWindow.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewClients creates an empty registry.
func NewClients() *Clients {
	return &Clients{clients: make(map[string]*Client)}
}

// Attach records a client seen at url. A new client is controlled by
// controller; an existing client keeps its controller.
func (c *Clients) Attach(id, url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[id]
	if !ok {
		cl = &Client{ID: id, Controller: controller}
		c.clients[id] = cl
	}
	cl.URL = url
	return *cl
}

// Remove forgets a client. Reports whether it was known.
func (c *Clients) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[id]
	delete(c.clients, id)
	return ok
}

// Claim makes version the controller of every client and returns how many
// clients changed controller.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.clients {
		if cl.Controller != version {
			cl.Controller = version
			n++
		}
	}
	return n
}

// Controlled counts the clients controlled by version.
func (c *Clients) Controlled(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.clients {
		if cl.Controller == version {
			n++
		}
	}
	return n
}

// OpenWindow focuses an existing client at url, or opens a new one controlled
// by controller.
func (c *Clients) OpenWindow(url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *Client
	for _, cl := range c.clients {
		cl.Focused = false
		if found == nil && cl.URL == url {
			found = cl
		}
	}
	if found == nil {
		found = &Client{ID: uuid.NewString(), URL: url, Controller: controller}
		c.clients[found.ID] = found
	}
	found.Focused = true
	return *found
}

// List returns a snapshot of all clients, sorted by id.
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
