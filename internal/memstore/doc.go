// Package memstore is the content-addressed store behind memory pointers.
//
// Payloads are identified by the hex BLAKE3-256 digest of their raw bytes,
// so identical content always collapses to one object and a pointer's id is
// stable across conversations. Blobs are compressed with zstd (text) or the
// smaller of LZ4 and zstd (binary) and fall back to raw storage when
// compression does not help.
//
// The store serves arbitrary line and byte ranges. Bounding how much an
// agent may pull back into context is the fetch gateway's job.
//
// # Usage
//
//	store, err := memstore.New(root, memstore.WithLogger(logger))
//	obj, err := store.PutText(ctx, output, memstore.PutOptions{
//	    Type:  memstore.TypeToolOutput,
//	    Title: "npm test",
//	})
//	lines, err := store.GetSlice(ctx, obj.ID, 10, 40)
package memstore
