// Package mailbus delivers mailbox change events across the nodes of a
// mail server cluster.
//
// A storage layer raises an event (a message was added, flags changed, a
// mailbox was renamed) on the node that performed the change. The
// Dispatcher on that node invokes its local listeners and publishes the
// event to every other node that has a listener on the same mailbox.
//
// # Listener types
//
//   - PathScoped listeners watch one mailbox path. They are advertised to
//     the cluster through leases in a shared registry and receive events
//     raised on any node.
//   - GlobalOnce listeners receive each event exactly once in the whole
//     cluster: only on the node that raised it, never via the transport.
//
// # Basic Usage
//
//	reg := memory.New()            // or registry/redis, registry/postgres, registry/mongo
//	_ = reg.Connect(ctx)
//	hub := transportmem.NewHub()   // or transport/redis
//
//	d, err := mailbus.New(
//	    mailbus.WithRegistry(reg),
//	    mailbus.WithTransport(hub),
//	    mailbus.WithLeaseTTL(30*time.Second),
//	    mailbus.WithRenewalInterval(10*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close(ctx)
//
//	inbox := mailbox.PrivatePath("alice", "INBOX")
//	r, err := d.AddListener(ctx, inbox, mailbus.ListenerFunc(
//	    func(ctx context.Context, e mailbox.Event) error {
//	        // notify the IMAP IDLE session
//	        return nil
//	    }))
//	defer r.Remove(ctx)
//
//	_ = d.Dispatch(ctx, &mailbox.Added{...})
//
// With Redis, one option builds both the lease registry and the transport:
//
//	d, err := mailbus.New(mailbus.WithRedisClient(rdb))
//
// # Leases
//
// AddListener writes a lease (path, topic, expiry) for the dispatcher's
// topic. A background timer rewrites every lease before it expires, so a
// crashed node simply ages out of the registry. The renewal interval must
// be shorter than the lease TTL; New rejects the opposite.
//
// # Failures
//
// Dispatch never fails because of a listener or a remote node. Listener
// errors and panics, publish failures and malformed inbound payloads go to
// the ErrorHandler (see WithErrorHandler). Only AddListener and
// RemoveListener return registry failures, as *RegistrationError; use
// IsRetryableError to decide whether to retry.
//
// # Event bus bridge
//
// WithEventBridge republishes every locally raised event as an EventRecord
// on a github.com/rbaliyan/event/v3 bus, for consumers outside the mail
// server:
//
//	d, _ := mailbus.New(..., mailbus.WithEventTransport(t))
//	d.Start(ctx)
//	d.Events().Subscribe(ctx, handler)
package mailbus
