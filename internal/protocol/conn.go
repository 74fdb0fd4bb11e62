package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Actor receives the packets addressed to one backend actor name.
// HandlePacket and ConnClosed are invoked from the connection's read
// loop, one packet at a time.
type Actor interface {
	// Name is the backend actor name this handler is registered under.
	Name() string

	// HandlePacket delivers one inbound packet addressed to this actor.
	HandlePacket(pkt *Packet)

	// ConnClosed reports that the connection died. No further packets
	// will be delivered.
	ConnClosed(err error)
}

// Sender is the outbound half of a connection.
type Sender interface {
	SendRequest(req *Request) error
}

// Conn multiplexes a transport between the actors registered on it.
// Inbound packets are routed by their "from" field; outbound requests
// are serialized onto the transport in call order.
type Conn struct {
	transport Transport
	log       zerolog.Logger

	mu     sync.RWMutex
	actors map[string]Actor
	closed bool

	sendMu sync.Mutex

	closeOnce sync.Once
}

// NewConn wraps transport. Call Start to begin dispatching inbound
// packets.
func NewConn(transport Transport, log zerolog.Logger) *Conn {
	return &Conn{
		transport: transport,
		log:       log.With().Str("component", "conn").Logger(),
		actors:    make(map[string]Actor),
	}
}

// Register routes future packets from actor.Name() to actor.
func (c *Conn) Register(actor Actor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	name := actor.Name()
	if _, exists := c.actors[name]; exists {
		return fmt.Errorf("actor %s: %w", name, ErrActorRegistered)
	}

	c.actors[name] = actor
	return nil
}

// Unregister stops routing packets to the named actor.
func (c *Conn) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.actors, name)
}

// GetOrCreate returns the actor registered under name, creating and
// registering one via create when none exists. Lookup and creation are
// atomic, so concurrent callers observe a single instance per name.
func (c *Conn) GetOrCreate(name string, create func() Actor) Actor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if actor, exists := c.actors[name]; exists {
		return actor
	}

	actor := create()
	c.actors[name] = actor
	return actor
}

// SendRequest writes one request to the backend. Requests never have
// in-protocol replies; correlation is the caller's concern.
func (c *Conn) SendRequest(req *Request) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return ErrConnClosed
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.log.Trace().Str("to", req.To).Str("type", req.Type).Msg("send request")

	if err := c.transport.Send(&Message{ContentLength: len(body), Content: body}); err != nil {
		return fmt.Errorf("send %s to %s: %w", req.Type, req.To, err)
	}

	return nil
}

// Start launches the read loop. It returns immediately; the loop runs
// until the transport fails or Close is called.
func (c *Conn) Start() {
	go c.receiveLoop()
}

func (c *Conn) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			c.shutdown(err)
			return
		}

		c.dispatch(msg.Content)
	}
}

// dispatch routes one raw inbound packet by its "from" field.
func (c *Conn) dispatch(raw json.RawMessage) {
	from := gjson.GetBytes(raw, "from")
	if !from.Exists() || from.String() == "" {
		c.log.Warn().RawJSON("packet", raw).Msg("packet without from field dropped")
		return
	}

	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		c.log.Warn().Err(err).Str("from", from.String()).Msg("malformed packet dropped")
		return
	}
	pkt.Raw = raw

	c.mu.RLock()
	actor := c.actors[pkt.From]
	c.mu.RUnlock()

	if actor == nil {
		c.log.Debug().Str("from", pkt.From).Str("type", pkt.Type).Msg("packet for unregistered actor dropped")
		return
	}

	actor.HandlePacket(&pkt)
}

// Close tears down the transport and notifies every registered actor.
func (c *Conn) Close() error {
	err := c.transport.Close()
	c.shutdown(ErrConnClosed)
	return err
}

// shutdown marks the connection closed and fans the error out to the
// registered actors exactly once.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		actors := make([]Actor, 0, len(c.actors))
		for _, a := range c.actors {
			actors = append(actors, a)
		}
		c.actors = make(map[string]Actor)
		c.mu.Unlock()

		c.log.Debug().Err(err).Int("actors", len(actors)).Msg("connection closed")

		for _, a := range actors {
			a.ConnClosed(err)
		}
	})
}
