// LAN transport driver — the "same-network broadcast" flavor from
// spec §4.8(a). Grounded on the gorilla/websocket hub+client pattern
// from the retrieval pack (register/unregister channels, a buffered
// per-client send queue, a read pump and a write pump per connection):
// generalized from a web-client hub into a peer-to-peer mesh driver
// where every LAN node is both server and client.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshwire/internal/debuglog"
	"meshwire/internal/meshwireerr"
)

const (
	lanWriteWait   = 10 * time.Second
	lanPongWait    = 60 * time.Second
	lanPingPeriod  = (lanPongWait * 9) / 10
	lanMaxFrame    = 64 * 1024
)

var lanUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LANDriver listens for inbound websocket connections from peers on
// the same network and dials out to addresses registered via
// RegisterAddr, exactly mirroring QUICDriver's addressing model.
type LANDriver struct {
	listenAddr string

	mu        sync.Mutex
	cb        Callbacks
	server    *http.Server
	peerAddrs map[string]string
	conns     map[string]*lanConn
}

type lanConn struct {
	conn *websocket.Conn
	send chan []byte
}

func NewLANDriver(listenAddr string) *LANDriver {
	return &LANDriver{
		listenAddr: listenAddr,
		peerAddrs:  make(map[string]string),
		conns:      make(map[string]*lanConn),
	}
}

func (d *LANDriver) Kind() Kind { return KindLAN }

func (d *LANDriver) RegisterAddr(peerID, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerAddrs[peerID] = addr
}

func (d *LANDriver) Start(ctx context.Context, cb Callbacks) error {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
		conn, err := lanUpgrader.Upgrade(w, r, nil)
		if err != nil {
			debuglog.Debugf("lan upgrade error: %v", err)
			return
		}
		d.adopt(conn)
	})
	server := &http.Server{Addr: d.listenAddr, Handler: mux}

	ln, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		if cb.OnAvailableChanged != nil {
			cb.OnAvailableChanged(false)
		}
		return fmt.Errorf("%w: lan listen: %v", meshwireerr.ErrTransportUnavailable, err)
	}

	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			debuglog.Debugf("lan serve error: %v", err)
		}
	}()
	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(true)
	}
	return nil
}

func (d *LANDriver) adopt(conn *websocket.Conn) *lanConn {
	c := &lanConn{conn: conn, send: make(chan []byte, 256)}
	key := conn.RemoteAddr().String()
	d.mu.Lock()
	d.conns[key] = c
	d.mu.Unlock()
	go d.writePump(c)
	go d.readPump(c)
	return c
}

func (d *LANDriver) readPump(c *lanConn) {
	defer c.conn.Close()
	c.conn.SetReadLimit(lanMaxFrame)
	c.conn.SetReadDeadline(time.Now().Add(lanPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(lanPongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		d.mu.Lock()
		cb := d.cb
		d.mu.Unlock()
		if cb.OnBytes != nil {
			cb.OnBytes("", data)
		}
	}
}

func (d *LANDriver) writePump(c *lanConn) {
	ticker := time.NewTicker(lanPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(lanWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(lanWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *LANDriver) Stop() error {
	d.mu.Lock()
	server := d.server
	cb := d.cb
	conns := d.conns
	d.conns = make(map[string]*lanConn)
	d.mu.Unlock()
	for _, c := range conns {
		close(c.send)
	}
	if server != nil {
		_ = server.Close()
	}
	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(false)
	}
	return nil
}

func (d *LANDriver) Broadcast(data []byte) error {
	d.mu.Lock()
	addrs := make([]string, 0, len(d.peerAddrs))
	for _, a := range d.peerAddrs {
		addrs = append(addrs, a)
	}
	d.mu.Unlock()
	for _, addr := range addrs {
		if err := d.sendAddr(addr, data); err != nil {
			debuglog.RateLimitedf("lan-broadcast-"+addr, 5*time.Second, "lan broadcast to %s failed: %v", addr, err)
		}
	}
	return nil
}

func (d *LANDriver) Send(ctx context.Context, peerID string, data []byte) error {
	d.mu.Lock()
	addr, ok := d.peerAddrs[peerID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no known lan address for %s", meshwireerr.ErrTransportUnavailable, peerID)
	}
	return d.sendAddr(addr, data)
}

func (d *LANDriver) sendAddr(addr string, data []byte) error {
	url := "ws://" + addr + "/mesh"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", meshwireerr.ErrTransportUnavailable, addr, err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(lanWriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	return nil
}
