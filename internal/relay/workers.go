package relay

import (
	"context"
	"log"
	"os"
	"time"
)

// runUploadSweeper drops expired uploads, their files on disk, their
// index entries, and any PINs bound to them.
func (s *Server) runUploadSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(uploadSweepEvery):
			n := s.sweepUploads(time.Now())
			if n > 0 {
				log.Printf("[relay] swept %d expired uploads", n)
			}
		}
	}
}

func (s *Server) sweepUploads(now time.Time) int {
	n := 0
	s.uploads.Range(func(id string, sess *uploadSession) bool {
		if !sess.expired(now) {
			return true
		}
		// Disk first; a crash between the two steps loses only the
		// in-memory entry, which the next sweep cannot recreate.
		if err := os.Remove(sess.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("[relay] remove %s: %v", sess.Path, err)
		}
		s.uploads.Delete(id)
		s.files.Delete(id)
		n++
		return true
	})

	s.pins.Range(func(pin string, rec *PinBinding) bool {
		if rec.expired(now) {
			s.pins.Delete(pin)
			return true
		}
		if rec.File != nil {
			if _, live := s.uploads.Load(rec.File.UploadID); !live {
				s.pins.Delete(pin)
			}
		}
		return true
	})
	return n
}

// runPeerSweeper evicts directory entries that stopped heartbeating.
func (s *Server) runPeerSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(peerSweepEvery):
			s.sweepPeers(time.Now())
		}
	}
}

func (s *Server) sweepPeers(now time.Time) {
	s.peers.Range(func(id string, rec *peerRecord) bool {
		if rec.staleSince(now, s.opts.PeerTimeout) {
			s.peers.Delete(id)
			log.Printf("[relay] evicted silent peer %s", id)
		}
		return true
	})
}
