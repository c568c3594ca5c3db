// Package artifact persists per-job pipeline artifacts on the filesystem.
//
// Layout is {base}/{jobID}/{name}.json for structured artifacts and
// {base}/{jobID}/{name}.txt for diffs and logs, with an optional
// {name}.metadata.json sidecar. Writes are atomic (temp file, fsync,
// rename) and retried on transient I/O errors. Validation failures such as
// oversized payloads or unsafe names are returned immediately.
//
// Job directories older than the retention window are removed by Sweep,
// independent of whether the job finished.
package artifact
