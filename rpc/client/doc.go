// Package client implements the Go client of the lock broker.
//
// NewRPCLockClient opens one transport connection and returns an ILockClient.
// A client maps 1:1 to a broker connection, so the session bound with Connect
// is the identity of every following request. Responses are returned as
// common.Message values, their Status is OK, FAIL or WAIT.
//
// RETRY notifications pushed by the broker are decoded and delivered on
// Retries(). A RETRY only says that a lock was released and may be free now,
// the client has to try again. AwaitLock does exactly that: it locks, waits
// for a RETRY of one of its names on WAIT and locks again. It also retries
// on a fixed interval because an expired lease frees a lock silently.
//
// Requests are never retried by the client or the transport, a lock request
// that timed out may or may not have been applied by the broker.
//
// Usage Example:
//
//	config := common.ClientConfig{
//		Transport:     common.TransportConfig{Endpoint: "localhost:7400"},
//		TimeoutSecond: 5,
//		RetryCount:    3,
//	}
//
//	c, err := client.NewRPCLockClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Shutdown()
//
//	if _, err := c.Connect("worker-1"); err != nil {
//		log.Fatal(err)
//	}
//	if err := c.AwaitLock(ctx, "invoice-7", "customer-3"); err != nil {
//		log.Fatal(err)
//	}
//	defer c.MUnlock("invoice-7", "customer-3")
package client
