// Package discovery provides etcd-backed node registration and the
// discovery-task registry used when documents start.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/driftdoc/pkg/document"
)

const (
	nodePrefix = "/driftdoc/nodes/"
	taskPrefix = "/driftdoc/tasks/"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode announces a node under a kept-alive lease. The returned
// cancel stops the keepalive; callers should also revoke the lease on
// shutdown.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.Background(), ttl)
	if err != nil {
		return 0, nil, err
	}
	key := nodePrefix + id
	if _, err = cli.Put(context.Background(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
			// drain keepalive responses
		}
	}()

	return lease.ID, cancel, nil
}

// ListNodes returns the current nodeID -> addr snapshot.
func ListNodes(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodes[strings.TrimPrefix(string(kv.Key), nodePrefix)] = string(kv.Value)
	}
	return nodes, nil
}

// WatchNodes invokes fn with a full nodeID -> addr snapshot after every
// membership change. Runs until the client closes.
func WatchNodes(cli *clientv3.Client, fn func(nodes map[string]string)) {
	go func() {
		wch := cli.Watch(context.Background(), nodePrefix, clientv3.WithPrefix())
		for resp := range wch {
			changed := false
			for _, ev := range resp.Events {
				if ev.Type == mvccpb.PUT || ev.Type == mvccpb.DELETE {
					changed = true
				}
			}
			if !changed {
				continue
			}
			nodes, err := ListNodes(context.Background(), cli)
			if err != nil {
				continue
			}
			fn(nodes)
		}
	}()
}

// TaskRegistry registers kind-filtered query tasks in etcd. Tasks live
// under a lease sized to the task expiration and are not kept alive: a
// task disappears on its own once it expires.
type TaskRegistry struct {
	cli *clientv3.Client
}

func NewTaskRegistry(cli *clientv3.Client) *TaskRegistry {
	return &TaskRegistry{cli: cli}
}

// RegisterQueryTask implements document.TaskRegistry.
func (t *TaskRegistry) RegisterQueryTask(ctx context.Context, task document.QueryTask) error {
	ttl := int64(time.Until(task.Expiration) / time.Second)
	if ttl <= 0 {
		return fmt.Errorf("task %s already expired", task.ID)
	}
	lease, err := t.cli.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant task lease: %w", err)
	}
	key := taskPrefix + task.ID
	if _, err := t.cli.Put(ctx, key, task.Kind, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register task %s: %w", task.ID, err)
	}
	return nil
}

// ListTasks returns the registered task IDs of one document kind.
func ListTasks(ctx context.Context, cli *clientv3.Client, kind string) ([]string, error) {
	resp, err := cli.Get(ctx, taskPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, kv := range resp.Kvs {
		if string(kv.Value) == kind {
			ids = append(ids, strings.TrimPrefix(string(kv.Key), taskPrefix))
		}
	}
	return ids, nil
}
