// Package es is the event-sourcing core: envelopes, the content chain, the
// EventStore contract, repositories and consumers.
//
// # Envelopes and the chain
//
// Every stored event is an [Envelope]. On append the store assigns the
// per-aggregate Version, the global Seq and links the event into its
// aggregate's content chain: PreviousCID is the CID of the event before it,
// CID is computed by [ComputeCID] over the event content and PreviousCID.
// [VerifyChain] detects holes, reordering and modified events independently
// of the transport.
//
// # Stores
//
// [EventStore] is implemented by [InMemoryStore] and by the JetStream store in
// adapters/nats. Appends are idempotent under [WithIdempotencyToken]: message
// i of a batch is deduplicated under "<aggType>/<aggID>/<token>/<i>", a fully
// stored batch is a successful no-op and a partially stored one resumes where
// it stopped. Stores implementing [TokenLookup] also report which events a
// token committed. [CachedStore] adds a bounded LRU in front of Load.
//
// # Aggregates and repositories
//
//	type Account struct {
//	    es.BaseAggregate
//	    Balance int
//	}
//
//	func (a *Account) GetAggType() string { return "account" }
//	func (a *Account) Register(r es.Registrar) {
//	    es.RegisterEvents(r, es.Event[Deposited]())
//	}
//	func (a *Account) Apply(e any) error { ... }
//
//	repo := es.NewTypedRepository[*Account](store, es.NewRegistry())
//	acc, err := repo.GetByID(ctx, id)
//	_ = es.RaiseAndApply(acc, &Deposited{Amount: 10})
//	_, err = repo.Save(ctx, acc, es.WithIdempotencyToken(cmdID))
//
// The repository verifies the chain of everything it loads and, by default,
// rejects a save whose aggregate is behind the stream with
// [ErrConcurrencyConflict]. [LastWriterWins] turns the check off.
//
// # Replay and consumers
//
// [EventStore.Replay] yields a lazy, restartable sequence; [ReplayInto]
// applies it with ack-after-apply. [Consumer] follows the stream, restores
// per-aggregate order with core/sequencer and reports when it is live.
package es
