// Package checkpoint saves and resumes batch progress.
//
// A checkpoint records which URLs of a named batch already completed, so a
// rerun after an interruption (network failure, rate limiting or a manual
// stop) only fetches what is left. Checkpoints live under
// $XDG_DATA_HOME/stealthscrape/checkpoints unless a directory is
// configured, and are written atomically with a version field.
package checkpoint
