package nats

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector leases a connection. The returned release func may be called
// more than once.
type Connector func() (nc *natsgo.Conn, release closeFunc, err error)

// Pool shares one connection per server URL between the shards living on
// that server. A connection is closed when its last lease is released and
// dialed again on the next lease.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*pooledConn
	log   *slog.Logger
	opts  []natsgo.Option
}

type pooledConn struct {
	nc     *natsgo.Conn
	leases int
}

func NewPool(log *slog.Logger, opts ...natsgo.Option) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		conns: map[string]*pooledConn{},
		log:   log,
		opts:  opts,
	}
}

// Connector returns a Connector leasing the pooled connection to serverURL.
// An empty URL means $NATS_URL, then the nats default URL.
func (p *Pool) Connector(serverURL string) Connector {
	serverURL = resolveURL(serverURL)
	return func() (*natsgo.Conn, closeFunc, error) {
		return p.lease(serverURL)
	}
}

// Size returns the number of open connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) lease(serverURL string) (*natsgo.Conn, closeFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[serverURL]
	if !ok {
		nc, err := p.dial(serverURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", serverURL, err)
		}
		c = &pooledConn{nc: nc}
		p.conns[serverURL] = c
	}
	c.leases++

	var once sync.Once
	return c.nc, func() { once.Do(func() { p.release(serverURL, c) }) }, nil
}

func (p *Pool) release(serverURL string, c *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.leases--
	if c.leases > 0 {
		return
	}
	c.nc.Close()
	if p.conns[serverURL] == c {
		delete(p.conns, serverURL)
	}
}

func (p *Pool) dial(serverURL string) (*natsgo.Conn, error) {
	log := p.log.With(slog.String("url", serverURL))
	opts := []natsgo.Option{
		natsgo.Name("clstr-sharding"),
		natsgo.MaxReconnects(3),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info("nats reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
	}
	return natsgo.Connect(serverURL, append(opts, p.opts...)...)
}

func resolveURL(serverURL string) string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("NATS_URL"); env != "" {
		return env
	}
	return natsgo.DefaultURL
}
