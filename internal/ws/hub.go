package ws

// AllProjects subscribes a client to events from every project.
const AllProjects = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans build events out to stream subscribers keyed by project ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	stopped   chan struct{}
}

type message struct {
	projectID string
	payload   []byte
}

type subscription struct {
	projectID string
	client    Subscriber
}

type countRequest struct {
	projectID string
	reply     chan int
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = map[string]map[Subscriber]struct{}{}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.drop(sub.projectID, sub.client)
		case req := <-h.count:
			req.reply <- len(h.clients[req.projectID])
		case msg := <-h.broadcast:
			h.deliver(msg.projectID, msg.payload)
			if msg.projectID != AllProjects {
				h.deliver(AllProjects, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

func (h *Hub) drop(projectID string, client Subscriber) {
	if clients, ok := h.clients[projectID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, projectID)
		}
	}
}

// Register adds a client to a project stream. Use AllProjects for a firehose.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the project's clients and to firehose clients.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow projectID.
func (h *Hub) Subscribers(projectID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{projectID: projectID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every subscriber and stops the dispatch loop.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	<-h.stopped
}
