// Package feed publishes committed binding writes to external systems.
//
// Every successful set, update, delete or push reaches Publisher.Hook as a
// binding.Commit. The hook never blocks: commits are queued in memory and an
// appender goroutine writes them to a Pebble-backed log, assigning each a
// monotonic sequence number. One Worker per configured sink tails the log
// from its persisted cursor and publishes with exponential backoff.
//
// # Log layout
//
//	/feedlog/{seq:016x}     -> msgpack(Event)
//	/feedcursor/{sinkName}  -> uint64 (last published seq)
//	/feedseq                -> uint64 (last assigned seq)
//
// Entries below the slowest cursor are deleted every 128 sequences.
//
// # Delivery
//
// Delivery is at-least-once per sink. A full in-memory queue drops commits
// with a warning; the store remains the source of truth, so consumers that
// need every change should re-read the paths they care about.
//
// # Sinks
//
// Sinks register themselves by type from package feed/sink ("nats",
// "kafka"). Formats are "json" (the default) and "msgpack".
//
//	pub, err := feed.NewPublisher(feed.Config{
//		DataDir:   "/var/lib/livebind",
//		NodeID:    cfg.Config.NodeID,
//		QueueSize: 4096,
//		Sinks:     cfg.Config.Feed.Sinks,
//	})
//	if err != nil {
//		return err
//	}
//	pub.Start()
//	defer pub.Stop()
//
//	cache, err := binding.New(binding.Config{Store: st, OnCommit: pub.Hook})
package feed
