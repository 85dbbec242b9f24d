// Package watcher turns recursive fsnotify notifications for a directory tree
// into a pollable stream of created and modified file events.
//
// Directories are registered once, when the watcher is created. Directories
// created later are not watched.
package watcher
