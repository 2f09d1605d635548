// Package piecemanager tracks the download state of every block of every
// piece and hands out work to peer sessions.
//
// The manager is the single source of truth for what remains to be
// downloaded. Sessions reserve batches of blocks, deliver the data back and
// abandon their reservations when they die. Completed pieces are verified
// against the metainfo hash table before they count as done.
package piecemanager

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/driptorrent/drip/internal/bitfield"
	"github.com/driptorrent/drip/internal/metainfo"
	"github.com/driptorrent/drip/internal/storage"
)

// BlockSize is the transfer granularity. Every request except the tail of a
// piece asks for exactly this many bytes.
const BlockSize = 16 * 1024

var (
	// ErrPieceHashMismatch is returned from Deliver when the delivered
	// block completed a piece whose data does not match its hash. The
	// piece has been recycled; the caller may keep downloading.
	ErrPieceHashMismatch = errors.New("piece hash mismatch")

	// ErrSwarmCorrupt is returned once the same piece has failed
	// verification with data from too many distinct peers.
	ErrSwarmCorrupt = errors.New("piece failed verification from too many distinct peers")

	// ErrBlockNotRequested is returned from Deliver for a block that was
	// never handed out or was already downloaded.
	ErrBlockNotRequested = errors.New("block is not in requested state")
)

type blockState uint8

const (
	blockNotRequested blockState = iota
	blockRequested
	blockDownloaded
)

type pieceStatus uint8

const (
	pieceIncomplete pieceStatus = iota
	pieceAwaitingVerify
	pieceComplete
)

// Block is a work unit handed to a session.
type Block struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type block struct {
	begin  uint32
	length uint32
	state  blockState
	owner  string
}

type piece struct {
	hash      []byte
	length    uint32
	status    pieceStatus
	blocks    []block
	remaining int
	// peers whose data made this piece fail verification
	failedOwners map[string]struct{}
}

// Progress is a read-only snapshot used for logging.
type Progress struct {
	CompletedPieces uint32
	TotalPieces     uint32
	BytesCompleted  int64
	TotalBytes      int64
}

// PieceManager partitions the torrent into blocks and tracks their states
// under a single mutex. The mutex is never held across hash computation;
// a piece being verified is pinned in the AwaitingVerify status so that no
// session can touch its blocks meanwhile.
type PieceManager struct {
	m         sync.Mutex
	pieces    []piece
	sto       storage.Storage
	completed uint32
	corrupt   bool

	// number of distinct failing peers that latches ErrSwarmCorrupt
	maxFailedOwners int

	piecesCompleted  metrics.Counter
	piecesHashFail   metrics.Counter
	blocksDownloaded metrics.Counter
	downloadBytes    metrics.Meter
}

// New builds the piece and block tables from the metainfo and binds the
// manager to a storage. maxFailedOwners is the number of distinct peers
// whose data must fail verification on a single piece before the swarm is
// declared corrupt.
func New(info *metainfo.Info, sto storage.Storage, maxFailedOwners int) *PieceManager {
	pm := &PieceManager{
		pieces:           make([]piece, info.NumPieces),
		sto:              sto,
		maxFailedOwners:  maxFailedOwners,
		piecesCompleted:  metrics.GetOrRegisterCounter("pieces.completed", nil),
		piecesHashFail:   metrics.GetOrRegisterCounter("pieces.hashfail", nil),
		blocksDownloaded: metrics.GetOrRegisterCounter("blocks.downloaded", nil),
		downloadBytes:    metrics.GetOrRegisterMeter("download.bytes", nil),
	}
	for i := uint32(0); i < info.NumPieces; i++ {
		plen := info.PieceLengthAt(i)
		p := piece{
			hash:         info.PieceHash(i),
			length:       plen,
			failedOwners: make(map[string]struct{}),
		}
		for begin := uint32(0); begin < plen; begin += BlockSize {
			length := uint32(BlockSize)
			if begin+length > plen {
				length = plen - begin
			}
			p.blocks = append(p.blocks, block{begin: begin, length: length})
		}
		p.remaining = len(p.blocks)
		pm.pieces[i] = p
	}
	return pm
}

// ReserveBatch hands out up to n not-yet-requested blocks from pieces the
// peer advertises, in increasing (piece, offset) order, and records owner as
// their reservation holder. It returns nil when no block is available, which
// the caller must distinguish from completion via Done.
func (pm *PieceManager) ReserveBatch(n int, has *bitfield.Bitfield, owner string) []Block {
	pm.m.Lock()
	defer pm.m.Unlock()
	if pm.corrupt {
		return nil
	}
	var batch []Block
	for i := range pm.pieces {
		if len(batch) == n {
			break
		}
		p := &pm.pieces[i]
		if p.status != pieceIncomplete {
			continue
		}
		if has != nil && !has.Test(uint32(i)) {
			continue
		}
		for j := range p.blocks {
			if len(batch) == n {
				break
			}
			b := &p.blocks[j]
			if b.state != blockNotRequested {
				continue
			}
			b.state = blockRequested
			b.owner = owner
			batch = append(batch, Block{Index: uint32(i), Begin: b.begin, Length: b.length})
		}
	}
	return batch
}

// Deliver records a downloaded block. If the block completes its piece, the
// piece is read back from storage and verified against its hash before it
// counts as complete. On mismatch all blocks of the piece are recycled and
// ErrPieceHashMismatch is returned; once enough distinct peers have produced
// mismatching data for the same piece, ErrSwarmCorrupt is returned instead
// and the manager stops handing out work.
func (pm *PieceManager) Deliver(index uint32, begin uint32, data []byte, owner string) error {
	pm.m.Lock()
	if pm.corrupt {
		pm.m.Unlock()
		return ErrSwarmCorrupt
	}
	if int(index) >= len(pm.pieces) {
		pm.m.Unlock()
		return ErrBlockNotRequested
	}
	p := &pm.pieces[index]
	b := p.findBlock(begin, uint32(len(data)))
	if b == nil || b.state != blockRequested {
		pm.m.Unlock()
		return ErrBlockNotRequested
	}
	if err := pm.sto.WriteAt(index, begin, data); err != nil {
		pm.m.Unlock()
		return err
	}
	b.state = blockDownloaded
	b.owner = ""
	p.remaining--
	pm.blocksDownloaded.Inc(1)
	pm.downloadBytes.Mark(int64(len(data)))
	if p.remaining > 0 {
		pm.m.Unlock()
		return nil
	}
	// Last block of the piece. Pin it so nobody hands out or delivers its
	// blocks while we hash without the lock.
	p.status = pieceAwaitingVerify
	pm.m.Unlock()

	buf, err := pm.sto.ReadPiece(index)
	var sum [sha1.Size]byte
	if err == nil {
		sum = sha1.Sum(buf)
	}

	pm.m.Lock()
	defer pm.m.Unlock()
	if err != nil {
		pm.recycleLocked(p, owner)
		return err
	}
	if !bytes.Equal(sum[:], p.hash) {
		pm.piecesHashFail.Inc(1)
		pm.recycleLocked(p, owner)
		if len(p.failedOwners) >= pm.maxFailedOwners {
			pm.corrupt = true
			return ErrSwarmCorrupt
		}
		return ErrPieceHashMismatch
	}
	p.status = pieceComplete
	pm.completed++
	pm.piecesCompleted.Inc(1)
	return nil
}

// recycleLocked reverts a failed piece to the incomplete state so its blocks
// can be handed out again. Caller holds the mutex.
func (pm *PieceManager) recycleLocked(p *piece, owner string) {
	for i := range p.blocks {
		p.blocks[i].state = blockNotRequested
		p.blocks[i].owner = ""
	}
	p.remaining = len(p.blocks)
	p.status = pieceIncomplete
	p.failedOwners[owner] = struct{}{}
}

// Abandon reverts every block still reserved by owner to the not-requested
// state. Blocks the owner already delivered stay downloaded. Sessions call
// this exactly once when they terminate.
func (pm *PieceManager) Abandon(owner string) {
	pm.m.Lock()
	defer pm.m.Unlock()
	for i := range pm.pieces {
		p := &pm.pieces[i]
		if p.status != pieceIncomplete {
			continue
		}
		for j := range p.blocks {
			b := &p.blocks[j]
			if b.state == blockRequested && b.owner == owner {
				b.state = blockNotRequested
				b.owner = ""
			}
		}
	}
}

// Done reports whether every piece is complete and verified.
func (pm *PieceManager) Done() bool {
	pm.m.Lock()
	defer pm.m.Unlock()
	return pm.completed == uint32(len(pm.pieces))
}

// Corrupt reports whether the swarm-corrupt condition has latched.
func (pm *PieceManager) Corrupt() bool {
	pm.m.Lock()
	defer pm.m.Unlock()
	return pm.corrupt
}

// Progress returns a snapshot for logging and tracker announces.
func (pm *PieceManager) Progress() Progress {
	pm.m.Lock()
	defer pm.m.Unlock()
	pr := Progress{
		CompletedPieces: pm.completed,
		TotalPieces:     uint32(len(pm.pieces)),
	}
	for i := range pm.pieces {
		pr.TotalBytes += int64(pm.pieces[i].length)
		if pm.pieces[i].status == pieceComplete {
			pr.BytesCompleted += int64(pm.pieces[i].length)
		}
	}
	return pr
}

// BytesLeft is the number of bytes of not-yet-verified pieces, reported to
// the tracker.
func (pm *PieceManager) BytesLeft() int64 {
	pr := pm.Progress()
	return pr.TotalBytes - pr.BytesCompleted
}

func (p *piece) findBlock(begin, length uint32) *block {
	for i := range p.blocks {
		if p.blocks[i].begin == begin && p.blocks[i].length == length {
			return &p.blocks[i]
		}
	}
	return nil
}
