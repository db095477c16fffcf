package shuffle

import (
	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/shuffle/internal/frame"
)

// Route computes the destination rank for a particle identifier. The
// placement hash runs over the identifier bytes as submitted (before
// frame padding), so every rank resolves the same destination for the
// same identifier. The receiver mask is applied to the placement result,
// collapsing non-receiver slots onto their receiver.
func (s *Shuffler) Route(name string) int {
	world := s.backend.WorldSize()
	if world == 1 {
		return s.backend.Rank()
	}

	var raw int
	if s.place != nil {
		raw = s.place.Closest(xxhash.Sum64String(name))
	} else {
		// Diagnostic runs bypass the engine with a plain 32-bit
		// hash modulo.
		raw = int(uint32(xxhash.Sum64String(name)) % uint32(world))
	}
	return raw & int(s.recvMask)
}

// Write submits one particle record for epoch. The identifier and
// payload must fit the configured frame geometry; violations abort,
// because a mis-sized record means the caller and the shuffle layer
// disagree about the run configuration. A failure in the local sink is
// recoverable and comes back as the error.
//
// Write may block when the backend's outbound queue is full. Records
// whose destination is this rank skip the transport entirely unless
// force_rpc is set.
func (s *Shuffler) Write(name string, data []byte, epoch int) error {
	var buf [frame.MaxWireLen]byte
	n, err := s.layout.Encode(buf[:], name, data)
	if err != nil {
		s.fatalf("shuffle: write %q: %v", name, err)
		return err
	}

	dst := s.Route(name)
	me := s.backend.Rank()

	if s.trace != nil {
		ha := uint32(xxhash.Sum64(data))
		if dst != me || s.cfg.ForceRPC {
			s.tracef("[SEND] %s %d bytes (e%d) r%d >> r%d (hash=%08x)",
				name, len(data), epoch, me, dst, ha)
		} else {
			s.tracef("[LO] %s %d bytes (e%d) (hash=%08x)", name, len(data), epoch, ha)
		}
	}

	// Local bypass. The record still lands through the foreign-write
	// entry so the sink sees one delivery flavor regardless of path.
	if dst == me && !s.cfg.ForceRPC {
		s.ctr.Local.CountSend()
		if err := s.snk.Deliver(name, data, epoch); err != nil {
			return err
		}
		s.ctr.Local.CountRecv()
		s.ctr.Local.CountDelivered()
		return nil
	}

	if err := s.backend.Enqueue(buf[:n], dst, me, epoch); err != nil {
		// Once buffered the frame's fate is the backend's; a refusal
		// here means addressing is broken.
		s.fatalf("shuffle: enqueue for rank %d: %v", dst, err)
		return err
	}
	return nil
}

// handleDeliver is the inbound callback both backends dispatch to. The
// backends validate frame sizes before decoding, so by the time a record
// lands here it is well formed; this hands it to the sink's
// foreign-write entry and reports the status back through the rpc reply.
func (s *Shuffler) handleDeliver(name string, data []byte, epoch, src, dst int) error {
	err := s.snk.Deliver(name, data, epoch)

	if s.trace != nil {
		s.tracef("[RECV] %s %d bytes (e%d) r%d << r%d (hash=%08x)",
			name, len(data), epoch, dst, src, uint32(xxhash.Sum64(data)))
	}
	return err
}
