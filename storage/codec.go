package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/maxpert/msgengine/interfaces"
)

// Entity records are stored as
//
//	[version:1][cbor(EntityRecord)]
//
// Every persistent backend shares this format so a store directory can be
// read by the inspect command regardless of the engine version that wrote it.
//
// Version 1 (current)

const codecVersion = 1

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor encoder: %v", err))
	}
	recordDecMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor decoder: %v", err))
	}
}

// encodeRecord serializes an entity record
func encodeRecord(rec *interfaces.EntityRecord) ([]byte, error) {
	body, err := recordEncMode.Marshal(rec)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, codecVersion)
	return append(buf, body...), nil
}

// decodeRecord deserializes an entity record written by encodeRecord
func decodeRecord(data []byte) (*interfaces.EntityRecord, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("unsupported record version: %d", data[0])
	}
	rec := &interfaces.EntityRecord{}
	if err := recordDecMode.Unmarshal(data[1:], rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodeTick(tick uint64) ([]byte, error) {
	return recordEncMode.Marshal(tick)
}

func decodeTick(data []byte) (uint64, error) {
	var tick uint64
	err := recordDecMode.Unmarshal(data, &tick)
	return tick, err
}
