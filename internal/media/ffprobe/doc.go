// Package ffprobe wraps the ffprobe JSON report for an assembled video.
//
// Inspect executes ffprobe with packet counting enabled so the video stream
// reports nb_frames; Result and Stream expose the handful of values the
// assembler checks (dimensions, frame count, frame rate, duration).
package ffprobe
