// Package resource bounds the asset data moved by concurrent ingests.
//
// Two limits are enforced:
//
//   - In-flight bytes: a weighted semaphore over the sizes of the assets
//     currently being ingested. An asset larger than the whole budget is
//     admitted alone.
//   - IO rate: a token bucket throttling copies into the content store.
//
// All methods handle a nil Controller as "no limits".
package resource
