package transport

import (
	"path/filepath"
)

// FIFO opens a named pipe pair <Dir>/<Name>.up (peer to host) and
// <Dir>/<Name>.down (host to peer). Both sides open the up pipe first.
type FIFO struct {
	Dir    string
	Name   string
	Create bool

	peerSide bool
}

func (f FIFO) UpPath() string   { return filepath.Join(f.Dir, f.Name+".up") }
func (f FIFO) DownPath() string { return filepath.Join(f.Dir, f.Name+".down") }

// Peer returns the mirrored opener used by the peer process.
func (f FIFO) Peer() FIFO {
	f.peerSide = true
	f.Create = false
	return f
}

func (f FIFO) IsPeer() bool { return f.peerSide }
