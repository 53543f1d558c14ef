// Package assembler turns an ordered set of generated frames into one video.
//
// Frames are rendered onto an RGBA canvas sized by the first frame and
// streamed to an Encoder; FFmpegEncoder pipes them into ffmpeg as rawvideo
// and produces H.264 in MP4. Output is written to a temporary file and
// linked into place only after the encoder exits cleanly.
package assembler
