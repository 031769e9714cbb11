// Package encoder runs the external encoder that turns a source file into
// one segmented HLS rendition.
//
// Each call to Encode spawns exactly one process, bounded by a wall-clock
// timeout. Output is produced inside a private staging directory under the
// asset directory and only moved next to the other renditions once the
// process exits cleanly and its media playlist checks out as a closed VOD
// playlist. Any failure removes the staging directory, so a half-written
// rendition is never visible under its final name.
//
// Failures are reported as *Error values carrying a Kind (timeout, encoder
// failure, I/O failure) plus the exit code and the tail of stderr. They are
// per-profile and callers are expected to absorb them.
package encoder
