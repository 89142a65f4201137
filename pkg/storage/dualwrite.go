// Copyright 2026 Unicity Labs
//

package storage

import (
	"context"
	"log"

	"github.com/unicitylabs/aggregator/pkg/types"
)

// DualWriteBlockRecords writes the authoritative BlockRecords row
// through primary (inside the finalize transaction) and then
// mirrors it to a secondary store best-effort, outside that
// transaction. It exists for the multi-region HA topology (spec §4.6):
// the Round Manager always finalizes against the relational primary,
// but the follower's durable change feed has to tail something, and
// that something can't share the primary's SQL transaction. A mirror
// write failure is logged, not returned — the mirror never blocks
// finalize, so a mirror outage degrades follower freshness, not
// leader availability.
type DualWriteBlockRecords struct {
	Primary BlockRecordsStorage
	Mirror  BlockRecordsStorage
	Logger  *log.Logger
}

func NewDualWriteBlockRecords(primary, mirror BlockRecordsStorage, logger *log.Logger) DualWriteBlockRecords {
	return DualWriteBlockRecords{Primary: primary, Mirror: mirror, Logger: logger}
}

func (d DualWriteBlockRecords) Insert(ctx context.Context, tx Tx, br types.BlockRecords) error {
	if err := d.Primary.Insert(ctx, tx, br); err != nil {
		return err
	}
	if err := d.Mirror.Insert(ctx, nil, br); err != nil {
		d.Logger.Printf("mirror block records %d failed (non-fatal): %v", br.BlockNumber, err)
	}
	return nil
}

func (d DualWriteBlockRecords) Get(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	return d.Primary.Get(ctx, blockNumber)
}
