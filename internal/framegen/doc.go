// Package framegen requests individual frames from a text-to-image service.
//
// A Backend knows one HTTP API's request and response shapes; a Decoder turns
// the textual payload it returns into raster bytes. Client combines the two
// with request pacing and the retry policy, and returns frames decoded into
// image.Image values tagged with their ordinal.
package framegen
