// Package client implements a memcache text protocol client for the cache
// server. It is used by the cli and by the end to end tests.
//
// Key Components:
//
//   - New: Factory function that connects a Client to an endpoint. Endpoints
//     that look like paths use unix sockets, all others tcp.
//
//   - Client: Issues get/gets, the storage commands, incr/decr, delete,
//     flush_all, version and stats. Replies are mapped to the errors of the
//     db package (db.ErrNotStored, db.ErrNotFound, db.ErrVersionMismatch, ...).
//
// Usage Example:
//
//	c, err := client.New(common.ClientConfig{
//	  Endpoint:      "localhost:12321",
//	  TimeoutSecond: 5,
//	  Connections:   4,
//	})
//	if err != nil {
//	  log.Fatalf("connect: %v", err)
//	}
//	defer c.Close()
//
//	if err := c.Set("key", []byte("value"), 0, 60); err != nil {
//	  log.Fatalf("set: %v", err)
//	}
//	item, ok, err := c.Get("key")
//
// Thread Safety:
//
//	A Client can be shared between goroutines. Each connection carries one
//	request at a time.
package client
