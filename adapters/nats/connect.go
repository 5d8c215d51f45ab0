package nats

import (
	"os"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a connection together with the function that releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between every caller of the returned
// Connector. The connection is closed when the last lease is released and
// reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var mu sync.Mutex
	var nc *natsgo.Conn
	var closeCon closeFunc
	var leased atomic.Int64
	var weakClose closeFunc = func() {
		mu.Lock()
		defer mu.Unlock()
		if leased.Add(-1) == 0 {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased.Add(1)
		return nc, weakClose, nil
	}
}

// ConnectURL dials natsURL. Extra options are applied after the defaults.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		all := append([]natsgo.Option{
			natsgo.Name("cimcore"),
			natsgo.MaxReconnects(3),
		}, opts...)
		nc, err := natsgo.Connect(natsURL, all...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault dials $NATS_URL, or the local default server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
