package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeZk 是只支持锁用到的操作的内存 ZooKeeper
type fakeZk struct {
	mu      sync.Mutex
	nodes   map[string]bool
	watches map[string][]chan zk.Event
	seq     int
}

func newFakeZk() *fakeZk {
	return &fakeZk{nodes: map[string]bool{}, watches: map[string][]chan zk.Event{}}
}

func (f *fakeZk) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[path], nil, nil
}

func (f *fakeZk) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan zk.Event, 1)
	f.watches[path] = append(f.watches[path], ch)
	return f.nodes[path], nil, ch, nil
}

func (f *fakeZk) Create(path string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[path] {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = true
	return path, nil
}

func (f *fakeZk) CreateProtectedEphemeralSequential(path string, _ []byte, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	i := strings.LastIndex(path, "/")
	node := fmt.Sprintf("%s/_c_guid-%s%010d", path[:i], path[i+1:], f.seq)
	f.nodes[node] = true
	return node, nil
}

func (f *fakeZk) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.nodes {
		if strings.HasPrefix(n, path+"/") && !strings.Contains(n[len(path)+1:], "/") {
			out = append(out, n[len(path)+1:])
		}
	}
	return out, nil, nil
}

func (f *fakeZk) Delete(path string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nodes[path] {
		return zk.ErrNoNode
	}
	delete(f.nodes, path)
	for _, ch := range f.watches[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path}
	}
	delete(f.watches, path)
	return nil
}

func newTestZkLocker(t *testing.T) (*ZkLocker, *fakeZk) {
	t.Helper()
	conn := newFakeZk()
	l := &ZkLocker{conn: conn, root: defaultZkRoot}
	require.NoError(t, l.ensure(defaultZkRoot))
	return l, conn
}

func TestZkLocker_SameKeyIsExclusive(t *testing.T) {
	l, _ := newTestZkLocker(t)
	exerciseMutualExclusion(t, l, "order:O1")
}

func TestZkLocker_WaitsForPredecessor(t *testing.T) {
	l, conn := newTestZkLocker(t)

	first, err := l.Acquire(context.Background(), "order:O1")
	require.NoError(t, err)

	acquired := make(chan Release)
	go func() {
		r, err := l.Acquire(context.Background(), "order:O1")
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired while the first still holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	first()
	first()
	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired")
	}

	children, _, _ := conn.Children(defaultZkRoot + "/order:O1")
	assert.Empty(t, children)
}

func TestZkLocker_HonoursContext(t *testing.T) {
	l, conn := newTestZkLocker(t)
	release, err := l.Acquire(context.Background(), "refund/R1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "refund/R1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	children, _, _ := conn.Children(defaultZkRoot + "/refund_R1")
	assert.Len(t, children, 1, "the waiter's node is removed on timeout")
}
