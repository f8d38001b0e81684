package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// zkSessionTimeout bounds how long a lost session keeps watches dangling
// before the client gives up and re-registers.
const zkSessionTimeout = 10 * time.Second

// watchRetryDelay spaces re-arm attempts after a failed GetW, so a bad
// path or a flapping ensemble cannot spin the watch loop.
const watchRetryDelay = 2 * time.Second

// ZookeeperProvider reads one znode as a koanf byte provider. The znode
// holds a full YAML config document, same shape as the file source.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}

	conn, _, err := zk.Connect(endpoints, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	return &ZookeeperProvider{conn: conn, path: path}, nil
}

func (p *ZookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read from zookeeper path %s: %w", p.path, err)
	}
	return data, nil
}

// Read satisfies koanf.Provider for map-oriented loads. The znode holds
// raw YAML bytes, so only ReadBytes applies.
func (p *ZookeeperProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("zookeeper provider does not support this method")
}

// Watch re-arms the data watch after every delivery; zookeeper watches
// fire once. The loop ends when the node disappears or the watch is lost
// for good, which the reload machinery treats as a terminal error.
func (p *ZookeeperProvider) Watch(callback func(event interface{}, err error)) error {
	for {
		data, _, events, err := p.conn.GetW(p.path)
		if err != nil {
			callback(nil, fmt.Errorf("failed to watch zookeeper path %s: %w", p.path, err))
			time.Sleep(watchRetryDelay)
			continue
		}

		switch ev := <-events; ev.Type {
		case zk.EventNodeDataChanged:
			callback(data, nil)
		case zk.EventNodeDeleted:
			callback(nil, fmt.Errorf("zookeeper node %s was deleted", p.path))
			return nil
		case zk.EventNotWatching:
			callback(nil, fmt.Errorf("zookeeper watch lost for path %s", p.path))
			return nil
		}
	}
}

func (p *ZookeeperProvider) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
