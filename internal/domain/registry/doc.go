// Package registry holds the installed plugin records the manager
// reconciles against.
//
// MemoryRepository is the in-process store. Writers call Put, Remove and
// SetEnabled; readers call List and Subscribe. Subscribers are told that
// something changed, not what, and are expected to re-read the full list.
//
// Seeder fills a repository from a plugins directory:
//
//	plugins/
//	  acme-counter/
//	    plugin.yaml      # bundle.location: dist/counter.js
//	    dist/counter.js
//
// installs acme-counter with location "acme-counter/dist/counter.js", which
// a bundle loader rooted at plugins/ resolves.
package registry
