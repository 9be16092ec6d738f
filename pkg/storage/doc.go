// Package storage writes fetched page bodies to a directory.
//
// Each URL maps to a stable file name derived from its host and a hash of
// the full URL, so rerunning a batch overwrites rather than duplicates.
// Writes go through a temporary file and a rename, and the Manager keeps
// an in-memory index of what the directory already holds:
//
//	m, err := storage.NewManager("pages")
//	if err != nil {
//	    return err
//	}
//	if !m.IsSaved(url) {
//	    path, err := m.Save(url, "text/html; charset=utf-8", body)
//	}
package storage
