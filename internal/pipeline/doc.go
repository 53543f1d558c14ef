// Package pipeline drives a generation request from quota admission to a
// committed video.
//
// Orchestrator.Run moves each run through idle, quota_checked, generating,
// assembling and finally committed or failed. Frames are requested by a
// bounded worker group and handed to the assembler in ordinal order. Quota
// is reserved on admission and counted only on commit; frame storage is
// removed on every exit path.
package pipeline
