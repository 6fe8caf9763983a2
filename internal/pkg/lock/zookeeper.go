package lock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"paynexus/internal/pkg/logger"
)

const defaultZkRoot = "/paynexus_locks" // 所有分布式锁的根节点

// zkConn 是 *zk.Conn 中用到的部分
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// ZkLocker 基于临时顺序节点的公平锁，会话断开时锁自动释放
type ZkLocker struct {
	conn zkConn
	root string
}

func NewZkLocker(conn *zk.Conn, root string) (*ZkLocker, error) {
	if root == "" {
		root = defaultZkRoot
	}
	l := &ZkLocker{conn: conn, root: root}
	if err := l.ensure(root); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ZkLocker) ensure(path string) error {
	exists, _, err := l.conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "zk exists %s", path)
	}
	if exists {
		return nil
	}
	if _, err := l.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "zk create %s", path)
	}
	return nil
}

func (l *ZkLocker) Acquire(ctx context.Context, key string) (Release, error) {
	lockPath := l.root + "/" + strings.ReplaceAll(key, "/", "_")
	if err := l.ensure(lockPath); err != nil {
		return nil, err
	}

	nodePath, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, errors.Wrap(err, "create sequential node")
	}
	myNode := strings.TrimPrefix(nodePath, lockPath+"/")

	release := func() {
		if err := l.conn.Delete(nodePath, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			logger.Ctx(ctx).Warn().Err(err).Str("node", nodePath).Msg("failed to delete zk lock node")
		}
	}

	for {
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			release()
			return nil, errors.Wrap(err, "list lock children")
		}
		// protected 节点名带 GUID 前缀，只能按序号排序
		sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })

		idx := -1
		for i, child := range children {
			if child == myNode {
				idx = i
				break
			}
		}
		if idx < 0 {
			release()
			return nil, errors.Errorf("lock node %s disappeared", nodePath)
		}
		if idx == 0 {
			return onceRelease(release), nil
		}

		exists, _, events, err := l.conn.ExistsW(lockPath + "/" + children[idx-1])
		if err != nil {
			release()
			return nil, errors.Wrap(err, "watch previous node")
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			release()
			return nil, errors.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
		}
	}
}

func sequenceOf(node string) string {
	if i := strings.LastIndex(node, "-"); i >= 0 {
		return node[i+1:]
	}
	return node
}

func onceRelease(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
