// Package storage defines the sink that downloaded data is written to.
package storage

// Storage is the persistence collaborator of the download engine.
// The engine only writes blocks, reads pieces back for hash verification
// and finalizes the storage once the download completes.
type Storage interface {
	// WriteAt stores b at the given offset inside the piece at index.
	// Writing the same bytes to the same location twice must be a no-op.
	WriteAt(index uint32, begin uint32, b []byte) error

	// ReadPiece returns the full data of the piece at index.
	ReadPiece(index uint32) ([]byte, error)

	// Finalize is called once after all pieces are complete and verified.
	Finalize() error
}
