package cluster

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// sessionTTL is the TTL of the etcd lease backing the election
	// session, in seconds. If the leader process dies without resigning,
	// leadership transfers after at most this long.
	sessionTTL = 60
)

// etcdLeaderElector is an implementation of LeaderElector using etcd as the
// election governor.
type etcdLeaderElector struct {
	id       string
	ctx      context.Context
	cli      *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
}

// newEtcdLeaderElector constructs a new etcdLeaderElector.
func newEtcdLeaderElector(ctx context.Context, id, electionPrefix string,
	cfg clientv3.Config) (*etcdLeaderElector, error) {

	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, err
	}

	session, err := concurrency.NewSession(
		cli, concurrency.WithTTL(sessionTTL),
	)
	if err != nil {
		return nil, err
	}

	return &etcdLeaderElector{
		id:      id,
		ctx:     ctx,
		cli:     cli,
		session: session,
		election: concurrency.NewElection(
			session, electionPrefix,
		),
	}, nil
}

// MakeLeaderElector constructs a LeaderElector of the given type. Currently
// only the etcd elector is implemented.
func MakeLeaderElector(ctx context.Context, electorType, id,
	electionPrefix string, endpoints []string) (LeaderElector, error) {

	if electorType != EtcdLeaderElector {
		return nil, fmt.Errorf("unsupported elector type %q",
			electorType)
	}

	return newEtcdLeaderElector(
		ctx, id, electionPrefix, clientv3.Config{
			Context:     ctx,
			Endpoints:   endpoints,
			DialTimeout: time.Second * 10,
		},
	)
}

// Leader returns the leader value for the current election.
//
// NOTE: This method is part of the LeaderElector interface.
func (e *etcdLeaderElector) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}

	return string(resp.Kvs[0].Value), nil
}

// Campaign announces our candidacy and waits until we're elected, the
// session expires, or the context is canceled.
//
// NOTE: This method is part of the LeaderElector interface.
func (e *etcdLeaderElector) Campaign(ctx context.Context) error {
	log.Infof("Starting campaign for leadership as %v", e.id)
	return e.election.Campaign(ctx, e.id)
}

// Resign resigns the leader role allowing other election members to take
// the place.
//
// NOTE: This method is part of the LeaderElector interface.
func (e *etcdLeaderElector) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}
