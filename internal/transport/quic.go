// QUIC-backed transport driver — the "P2P-over-internet" flavor from
// spec §4.8(b). Adapted from the teacher's internal/network/quic.go:
// same dev-certificate bootstrap, same accept-loop-per-connection
// shape, generalized from a single global handler function into a
// Driver that fans bytes into whichever Callbacks were registered at
// Start and tracks known peer addresses for outbound Send.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshwire/internal/debuglog"
	"meshwire/internal/meshwireerr"
)

// QUICDriver listens for inbound QUIC streams on listenAddr and dials
// out to peer addresses registered via RegisterAddr. The driver never
// learns addresses itself (drivers never parse packet contents), and
// nothing else in this module calls RegisterAddr.
type QUICDriver struct {
	listenAddr string
	insecure   bool

	mu        sync.Mutex
	cb        Callbacks
	listener  *quic.Listener
	peerAddrs map[string]string // peerID -> dial address
	stopped   chan struct{}
}

func NewQUICDriver(listenAddr string, insecure bool) *QUICDriver {
	return &QUICDriver{
		listenAddr: listenAddr,
		insecure:   insecure,
		peerAddrs:  make(map[string]string),
	}
}

func (d *QUICDriver) Kind() Kind { return KindP2PInternet }

// RegisterAddr records the dial address for peerID; it is the driver's
// only source of peer addresses.
func (d *QUICDriver) RegisterAddr(peerID, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerAddrs[peerID] = addr
}

func (d *QUICDriver) Start(ctx context.Context, cb Callbacks) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(d.listenAddr, tlsConf, nil)
	if err != nil {
		if cb.OnAvailableChanged != nil {
			cb.OnAvailableChanged(false)
		}
		return fmt.Errorf("%w: quic listen: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	d.mu.Lock()
	d.cb = cb
	d.listener = listener
	d.stopped = make(chan struct{})
	d.mu.Unlock()

	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(true)
	}
	go d.acceptLoop(ctx, listener)
	return nil
}

func (d *QUICDriver) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			debuglog.Debugf("quic accept error: %v", err)
			return
		}
		go d.acceptStreams(conn)
	}
}

func (d *QUICDriver) acceptStreams(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			debuglog.Debugf("quic accept stream error: %v", err)
			return
		}
		go d.readStream(stream)
	}
}

func (d *QUICDriver) readStream(stream *quic.Stream) {
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil && !errors.Is(err, io.EOF) {
		debuglog.Debugf("quic read error: %v", err)
		return
	}
	if len(data) == 0 {
		return
	}
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb.OnBytes != nil {
		cb.OnBytes("", data) // QUIC carries no application peer id until the routing engine parses the frame
	}
}

func (d *QUICDriver) Stop() error {
	d.mu.Lock()
	listener := d.listener
	cb := d.cb
	d.listener = nil
	d.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	if cb.OnAvailableChanged != nil {
		cb.OnAvailableChanged(false)
	}
	return nil
}

// Broadcast fans data out to every peer address currently registered.
func (d *QUICDriver) Broadcast(data []byte) error {
	d.mu.Lock()
	addrs := make([]string, 0, len(d.peerAddrs))
	for _, a := range d.peerAddrs {
		addrs = append(addrs, a)
	}
	d.mu.Unlock()
	for _, addr := range addrs {
		if err := d.sendAddr(addr, data); err != nil {
			debuglog.RateLimitedf("quic-broadcast-"+addr, 5*time.Second, "quic broadcast to %s failed: %v", addr, err)
		}
	}
	return nil
}

func (d *QUICDriver) Send(ctx context.Context, peerID string, data []byte) error {
	d.mu.Lock()
	addr, ok := d.peerAddrs[peerID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no known quic address for %s", meshwireerr.ErrTransportUnavailable, peerID)
	}
	return d.sendAddr(addr, data)
}

func (d *QUICDriver) sendAddr(addr string, data []byte) error {
	tlsConf, err := clientTLSConfig(d.insecure)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(context.Background(), addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", meshwireerr.ErrTransportUnavailable, addr, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	if _, err := stream.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", meshwireerr.ErrTransportUnavailable, err)
	}
	return stream.Close()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshwire-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"meshwire-quic"}}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"meshwire-quic"}}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{"meshwire-quic"}}, nil
}
