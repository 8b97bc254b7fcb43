// Package model defines core types used throughout tilecache.
//
// # Identity Types
//
//   - Fingerprint: stable identifier for a FilePair (uint64, xxhash of both paths)
//   - CacheKey: (Fingerprint, TargetSize), the unit of thumbnail caching
//   - SessionID: identifier for one scanning session (one folder)
//
// # Data Types
//
//   - FilePair: archive ↔ preview pair produced by the scanning collaborator
//   - TileRecord: a FilePair plus its mutable Metadata and version stamp
//   - Batch: sequence-numbered group of TileRecords emitted by the pipeline
//   - ThumbnailAsset: immutable decoded thumbnail
//   - ViewportWindow: resolved visible/buffer ranges and grid geometry
//
// # Metadata Updates
//
// Metadata is changed only through MetadataUpdate values:
//
//	upd := model.SetStars(4)
//	next, err := upd.Apply(rec.Metadata)
package model
