// Package etcd keeps a cluster.Membership in sync with node registrations
// stored under an etcd prefix. Every node registers itself under a lease and
// watches the prefix; the etcd revision of each change becomes the topology
// version, so all nodes agree on version numbers.
package etcd

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
)

// Config describes the etcd connection and registration layout.
type Config struct {
	Endpoints   []string
	Prefix      string        // default "shardgrid/members"
	LeaseTTL    time.Duration // default 5s
	DialTimeout time.Duration // default 5s
}

func (c *Config) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = "shardgrid/members"
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Discovery registers the local node and mirrors the registered set into a
// Membership.
type Discovery struct {
	cfg  Config
	cli  *clientv3.Client
	self cluster.Member
	m    *cluster.Membership
	log  *zap.Logger

	mu    sync.Mutex
	lease clientv3.LeaseID
}

// New connects to etcd. Call Run to register and start watching.
func New(cfg Config, self cluster.Member, m *cluster.Membership, log *zap.Logger) (*Discovery, error) {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if self.ID == "" {
		return nil, errors.New("etcd discovery: empty node id")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client")
	}
	return &Discovery{cfg: cfg, cli: cli, self: self, m: m, log: log.Named("discovery")}, nil
}

// Run registers the node, loads the current member set and follows changes
// until ctx is done or the lease is lost.
func (d *Discovery) Run(ctx context.Context) error {
	keepalive, err := d.register(ctx)
	if err != nil {
		return err
	}

	members, rev, err := d.load(ctx)
	if err != nil {
		return err
	}
	d.m.Apply(affinity.Version(rev), memberList(members))
	d.log.Info("registered", zap.String("node", string(d.self.ID)), zap.Int64("revision", rev), zap.Int("members", len(members)))

	watch := d.cli.Watch(ctx, d.cfg.Prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-keepalive:
			if !ok {
				d.log.Warn("lease keepalive stopped")
				return errors.New("etcd discovery: lease lost")
			}
		case resp, ok := <-watch:
			if !ok {
				d.log.Warn("watch channel closed, re-watching", zap.Int64("from", rev+1))
				watch = d.cli.Watch(ctx, d.cfg.Prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
				continue
			}
			if err := resp.Err(); err != nil {
				if resp.CompactRevision > 0 {
					// History is gone; start over from a fresh listing.
					if members, rev, err = d.load(ctx); err != nil {
						return err
					}
					d.m.Apply(affinity.Version(rev), memberList(members))
					watch = d.cli.Watch(ctx, d.cfg.Prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
					continue
				}
				d.log.Warn("watch error", zap.Error(err))
				continue
			}
			if len(resp.Events) == 0 {
				continue
			}
			fold(members, d.cfg.Prefix, resp.Events)
			rev = resp.Header.Revision
			d.m.Apply(affinity.Version(rev), memberList(members))
		}
	}
}

// Close revokes the lease, which removes the registration, and closes the
// client.
func (d *Discovery) Close() error {
	d.mu.Lock()
	lease := d.lease
	d.mu.Unlock()

	if lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := d.cli.Revoke(ctx, lease); err != nil {
			d.log.Warn("lease revoke failed", zap.Error(err))
		}
	}
	return d.cli.Close()
}

func (d *Discovery) register(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	lease, err := d.cli.Grant(ctx, int64(d.cfg.LeaseTTL/time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "grant lease")
	}
	if _, err := d.cli.Put(ctx, memberKey(d.cfg.Prefix, d.self.ID), d.self.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, errors.Wrap(err, "register member")
	}
	ch, err := d.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, errors.Wrap(err, "keep lease alive")
	}
	d.mu.Lock()
	d.lease = lease.ID
	d.mu.Unlock()
	return ch, nil
}

func (d *Discovery) load(ctx context.Context) (map[affinity.NodeID]cluster.Member, int64, error) {
	resp, err := d.cli.Get(ctx, d.cfg.Prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list members")
	}
	members := make(map[affinity.NodeID]cluster.Member, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if mb, ok := parseMember(d.cfg.Prefix, string(kv.Key), string(kv.Value)); ok {
			members[mb.ID] = mb
		}
	}
	return members, resp.Header.Revision, nil
}

func memberKey(prefix string, id affinity.NodeID) string {
	return prefix + "/" + string(id)
}

// parseMember accepts "<prefix>/<id>" keys with a single id segment.
func parseMember(prefix, key, value string) (cluster.Member, bool) {
	id, ok := strings.CutPrefix(key, prefix+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return cluster.Member{}, false
	}
	return cluster.Member{ID: affinity.NodeID(id), Addr: value}, true
}

// fold applies watch events to members in order.
func fold(members map[affinity.NodeID]cluster.Member, prefix string, events []*clientv3.Event) {
	for _, ev := range events {
		mb, ok := parseMember(prefix, string(ev.Kv.Key), string(ev.Kv.Value))
		if !ok {
			continue
		}
		switch ev.Type {
		case clientv3.EventTypePut:
			members[mb.ID] = mb
		case clientv3.EventTypeDelete:
			delete(members, mb.ID)
		}
	}
}

func memberList(members map[affinity.NodeID]cluster.Member) []cluster.Member {
	out := make([]cluster.Member, 0, len(members))
	for _, mb := range members {
		out = append(out, mb)
	}
	return out
}
