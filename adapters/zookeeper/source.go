// Package zookeeper serves cluster configs from ZooKeeper.
//
// Each cluster is one znode under Root holding the cluster YAML (the same
// document as one entry under "clusters" in a config file).
package zookeeper

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"

	"github.com/codewandler/clstr-sharding/core/sf"
	"github.com/codewandler/clstr-sharding/core/sharding"
)

const defaultRoot = "/clstr/clusters"

type SourceConfig struct {
	Servers        []string
	Root           string        // default "/clstr/clusters"
	SessionTimeout time.Duration // default 5s
	Log            *slog.Logger
}

// Source is a sharding.ConfigSource reading cluster znodes. Reads are cached
// until the znode changes.
type Source struct {
	conn   *zk.Conn
	root   string
	log    *slog.Logger
	flight *sf.Group[string, sharding.ClusterConfig]

	mu    sync.RWMutex
	cache map[string]sharding.ClusterConfig
}

func NewSource(cfg SourceConfig) (*Source, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zookeeper: SourceConfig.Servers is required")
	}
	if cfg.Root == "" {
		cfg.Root = defaultRoot
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, err
	}
	s := &Source{
		conn:   conn,
		root:   strings.TrimSuffix(cfg.Root, "/"),
		log:    cfg.Log.With(slog.String("zk_root", cfg.Root)),
		flight: sf.New[string, sharding.ClusterConfig](),
		cache:  map[string]sharding.ClusterConfig{},
	}
	if err := s.ensurePath(s.root); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) nodePath(name string) string { return path.Join(s.root, name) }

// Cluster loads the named cluster.
func (s *Source) Cluster(name string) (sharding.ClusterConfig, error) {
	s.mu.RLock()
	c, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return c.Clone(), nil
	}

	c, _, err := s.flight.Do(name, func() (sharding.ClusterConfig, error) {
		data, _, events, err := s.conn.GetW(s.nodePath(name))
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				return sharding.ClusterConfig{}, fmt.Errorf("%w: %q", sharding.ErrClusterNotFound, name)
			}
			return sharding.ClusterConfig{}, fmt.Errorf("zookeeper: get %s: %w", name, err)
		}
		c, err := sharding.ParseClusterYAML(name, data)
		if err != nil {
			return sharding.ClusterConfig{}, err
		}

		s.mu.Lock()
		s.cache[name] = c
		s.mu.Unlock()

		go s.invalidateOn(name, events)
		return c, nil
	})
	return c.Clone(), err
}

// invalidate drops the cached cluster and detaches any load in flight, so
// the next read fetches the znode again.
func (s *Source) invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	s.flight.Forget(name)
}

// invalidateOn drops the cached cluster once its watch fires. The next read
// sets a new watch.
func (s *Source) invalidateOn(name string, events <-chan zk.Event) {
	e, ok := <-events
	s.invalidate(name)
	if ok && e.Type != zk.EventNotWatching {
		s.log.Debug("cluster changed", slog.String("cluster", name), slog.String("event", e.Type.String()))
	}
}

// Publish writes cluster c, creating or replacing its znode.
func (s *Source) Publish(c sharding.ClusterConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := sharding.MarshalClusterYAML(c)
	if err != nil {
		return err
	}
	p := s.nodePath(c.Name)
	_, err = s.conn.Create(p, data, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = s.conn.Set(p, data, -1)
	}
	if err != nil {
		return fmt.Errorf("zookeeper: publish %s: %w", c.Name, err)
	}
	// readers in this process see the write without waiting for the watch
	s.invalidate(c.Name)
	return nil
}

func (s *Source) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		_, err := s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("zookeeper: create %s: %w", cur, err)
		}
	}
	return nil
}

// Close ends the session. Pending watches fire with EventNotWatching.
func (s *Source) Close() {
	s.conn.Close()
}

var _ sharding.ConfigSource = (*Source)(nil)
