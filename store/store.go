// Package store persists guest memory pages in a cometbft-db backend.
//
// It implements the types.PageStore collaborator consumed by the memory
// engine and the write-back half used after an invocation: dirty pages are
// persisted in runs, batched into a single atomic write.
package store

import (
	"encoding/binary"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/lazymem/lazymem/types"
)

// keyPrefix namespaces page records within the database.
var keyPrefix = []byte("page/")

// PageDB stores one guest's memory pages keyed by access page index.
type PageDB struct {
	db       dbm.DB
	pageSize uint32
}

var _ types.PageStore = (*PageDB)(nil)

// New creates a page store over db for pages of the given size.
func New(db dbm.DB, pageSize uint32) *PageDB {
	return &PageDB{db: db, pageSize: pageSize}
}

// PageSize returns the access page size this store was created with.
func (s *PageDB) PageSize() uint32 {
	return s.pageSize
}

// LoadPage returns the stored bytes of a page, or nil if the page was never
// written. A nil result tells the engine to expose the page as zeroes.
func (s *PageDB) LoadPage(index uint32) ([]byte, error) {
	value, err := s.db.Get(pageKey(index))
	if err != nil {
		return nil, fmt.Errorf("load page %d: %w", index, err)
	}
	if value == nil {
		return nil, nil
	}
	if uint32(len(value)) > s.pageSize {
		return nil, fmt.Errorf("load page %d: stored %d bytes exceed page size %d", index, len(value), s.pageSize)
	}
	return value, nil
}

// SavePage persists a single page.
func (s *PageDB) SavePage(index uint32, data []byte) error {
	if uint32(len(data)) > s.pageSize {
		return fmt.Errorf("save page %d: %d bytes exceed page size %d", index, len(data), s.pageSize)
	}
	if err := s.db.Set(pageKey(index), data); err != nil {
		return fmt.Errorf("save page %d: %w", index, err)
	}
	return nil
}

// PersistDirty writes every page named by the dirty report back to storage,
// slicing the page contents out of the region memory. The report's run
// representation keeps this a sequential sweep per range, batched into one
// atomic write.
func (s *PageDB) PersistDirty(report types.DirtyPageReport, mem []byte) error {
	if len(report.Runs) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, run := range report.Runs {
		for page := run.Start; page < run.End(); page++ {
			off := uint64(page) * uint64(s.pageSize)
			end := off + uint64(s.pageSize)
			if end > uint64(len(mem)) {
				return fmt.Errorf("persist page %d: region of %d bytes too small", page, len(mem))
			}
			data := make([]byte, s.pageSize)
			copy(data, mem[off:end])
			if err := batch.Set(pageKey(page), data); err != nil {
				return fmt.Errorf("persist page %d: %w", page, err)
			}
		}
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("persist dirty pages: %w", err)
	}
	return nil
}

func pageKey(index uint32) []byte {
	key := make([]byte, len(keyPrefix)+4)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint32(key[len(keyPrefix):], index)
	return key
}
