// Package staging owns on-disk frame storage.
//
// Each run gets a private Workspace under the frames directory that is
// removed when the run ends. CleanStale and CleanOrphaned sweep directories
// left behind by processes that exited before their cleanup ran.
package staging
