// Package airgram persists the session and pending update state of an MTProto
// client in a pluggable document store.
//
// Every client owns two documents, addressed as "<clientName>:<storeKey>":
// the session document ("mtp") holds the current and previous datacenter ids
// plus per-datacenter auth keys and server salts, and the pending document
// ("updates") holds update-sequence bookkeeping. Secret fields can be
// encrypted individually with a kryptograf key bundle or a passphrase, and
// blob-backed stores can additionally seal whole documents at rest.
//
// # Opening state
//
//	st, err := airgram.Open(ctx, airgram.Config{
//	    Store:      "bolt:///var/lib/airgram/state.db",
//	    ClientName: "alice",
//	    EncryptAll: true,
//	    CipherMode: airgram.CipherKryptograf,
//	    KeyBundle:  "~/.airgram/keys.pem",
//	})
//	if err != nil { log.Fatal(err) }
//	defer st.Close()
//
//	dc, err := st.Session().CurrentDcID(ctx)
//	key, ok, err := st.Session().AuthKey(ctx, dc)
//	st.Updates().Set(ctx, airgram.Document{"pts": 42})
//
// # Stores
//
// OpenStore understands mem://, disk://, bolt://, redis://, rediss://,
// postgres://, s3://, aws:// and azure:// URLs. The memory, disk, Redis and
// PostgreSQL stores publish change notifications, which State.Watch uses to
// stream document snapshots; other stores are polled.
//
// # Telemetry
//
// Storage operations emit otel spans and the airgram.storage.ops and
// airgram.storage.duration_ms instruments. SetupTelemetry installs an OTLP
// trace exporter and a Prometheus /metrics endpoint.
package airgram
