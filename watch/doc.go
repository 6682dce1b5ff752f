// Package watch turns "AI!" comments in the working tree into prompts.
//
// A Watcher observes the base directory with fsnotify. Once a changed file
// settles, it is scanned for comments ending (or starting) with "AI!". The
// files carrying such comments become the editable context of a grouped
// code prompt whose text lists the comments. While that prompt runs, further
// changes are ignored; when it ends the session's context files are re-sent
// and the group is marked finished.
package watch
