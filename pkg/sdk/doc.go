/*
Package sdk is the tinysync client engine. It records browsing usage in a
local SQLite store and keeps it in sync with a tinysync server.

# Quick Start

	provider, err := settings.NewFileProvider("sync.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	if err := provider.Watch(ctx); err != nil {
	    log.Fatal(err)
	}
	defer provider.Close()

	engine, err := sdk.New(sdk.Config{
	    Settings: provider,
	    DataDir:  "./data/client",
	})
	if err != nil {
	    log.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer engine.Stop()

	// 30s on example.com, 12s of it focused
	engine.Track(ctx, "example.com", 12, 30)

# Components

  - local: per (host, date) accumulators; every accumulated delta is queued
    for upload
  - queue: batched uploads with retries, persisted across restarts
  - realtime: websocket push with back-off, falling back to polling
  - settings: endpoint, API key and the enabled flag, optionally watched on
    disk
  - transport: the HTTP API client and its error classification

Rows pushed or polled from other sessions are folded into the local store
with the same merge rules the server uses. Rows from this engine's own
session are skipped because they are already counted locally.

# Going offline

When settings are disabled or incomplete the engine keeps recording and
queueing. Enabling sync again resumes the queue and reconnects.
*/
package sdk
