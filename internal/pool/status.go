package pool

import (
	"context"
	"fmt"
	"strconv"
)

// InfoLine formats the Pool INFO status line of spec.md §6.3:
// "<trans_id> <free_meta_sectors> <free_data_sectors> <held_root|->".
func (p *Pool) InfoLine(ctx context.Context) (string, error) {
	transID, err := p.store.TransactionID(ctx)
	if err != nil {
		return "", &MetadataError{Op: "info:transaction_id", Cause: err}
	}
	freeMeta, err := p.store.FreeMetadataBlockCount(ctx)
	if err != nil {
		return "", &MetadataError{Op: "info:free_metadata", Cause: err}
	}
	freeData, err := p.store.FreeBlockCount(ctx)
	if err != nil {
		return "", &MetadataError{Op: "info:free_data", Cause: err}
	}
	held := "-"
	if root, ok, err := p.store.HeldMetadataRoot(ctx); err != nil {
		return "", &MetadataError{Op: "info:held_root", Cause: err}
	} else if ok {
		held = strconv.FormatUint(root, 10)
	}

	freeMetaSectors := freeMeta * uint64(metadataBlockSectors)
	freeDataSectors := freeData * uint64(p.geometry.SectorsPerBlock)
	return fmt.Sprintf("%d %d %d %s", transID, freeMetaSectors, freeDataSectors, held), nil
}

// TableLine formats the Pool TABLE status line of spec.md §6.3:
// "<meta_dev> <data_dev> <block_size> <low_water> <#feat> [skip_block_zeroing]".
func (p *Pool) TableLine(metaDev, dataDev string) string {
	p.mu.Lock()
	lowWater := p.cfg.LowWaterData
	skipZero := p.cfg.SkipBlockZeroing
	p.mu.Unlock()

	features := 0
	if skipZero {
		features = 1
	}
	line := fmt.Sprintf("%s %s %d %d %d", metaDev, dataDev, p.geometry.SectorsPerBlock, lowWater, features)
	if skipZero {
		line += " skip_block_zeroing"
	}
	return line
}

// metadataBlockSectors is the fixed metadata-block size dm-thin's on-disk
// format uses (4KiB blocks, 512-byte sectors).
const metadataBlockSectors = 8
