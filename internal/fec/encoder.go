// Package fec adds Reed-Solomon repair symbols to outbound packet groups
// so receivers can rebuild lost packets without a retransmit.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"

	"edgestream/pkg/models"
)

// lengthPrefix is stored in front of every source shard so padded
// payloads can be trimmed back after reconstruction.
const lengthPrefix = 4

var ErrTooManyLosses = errors.New("not enough packets and repairs to reconstruct group")

// Encoder protects groups of up to DataShards packets with ParityShards
// repair symbols each.
type Encoder struct {
	dataShards   int
	parityShards int

	mu       sync.Mutex
	encoders map[int]reedsolomon.Encoder // group size -> encoder
}

// NewEncoder validates the shard counts by building the full-size encoder
func NewEncoder(dataShards, parityShards int) (*Encoder, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, fmt.Errorf("invalid shard counts: data=%d parity=%d", dataShards, parityShards)
	}
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("too many shards: %d", dataShards+parityShards)
	}
	e := &Encoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		encoders:     make(map[int]reedsolomon.Encoder),
	}
	if _, err := e.encoderFor(dataShards); err != nil {
		return nil, err
	}
	return e, nil
}

// DataShards returns the maximum number of packets per group
func (e *Encoder) DataShards() int { return e.dataShards }

// ParityShards returns the number of repair symbols per group
func (e *Encoder) ParityShards() int { return e.parityShards }

func (e *Encoder) encoderFor(groupSize int) (reedsolomon.Encoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encoders[groupSize]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(groupSize, e.parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create reed-solomon encoder: %w", err)
	}
	e.encoders[groupSize] = enc
	return enc, nil
}

// Protect returns repair symbols for packets, grouped in sequence order.
// The trailing group may be smaller than DataShards.
func (e *Encoder) Protect(packets []models.Packet) ([]models.RepairSymbol, error) {
	var repairs []models.RepairSymbol
	for start := 0; start < len(packets); start += e.dataShards {
		group := packets[start:min(start+e.dataShards, len(packets))]
		groupRepairs, err := e.protectGroup(group)
		if err != nil {
			return nil, err
		}
		repairs = append(repairs, groupRepairs...)
	}
	return repairs, nil
}

func (e *Encoder) protectGroup(group []models.Packet) ([]models.RepairSymbol, error) {
	enc, err := e.encoderFor(len(group))
	if err != nil {
		return nil, err
	}

	shardLen := 0
	for _, p := range group {
		shardLen = max(shardLen, lengthPrefix+len(p.Payload))
	}

	shards := make([][]byte, len(group)+e.parityShards)
	for i, p := range group {
		shards[i] = sourceShard(p.Payload, shardLen)
	}
	for i := len(group); i < len(shards); i++ {
		shards[i] = make([]byte, shardLen)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("unable to make parity shards: %w", err)
	}

	repairs := make([]models.RepairSymbol, e.parityShards)
	for i := range repairs {
		repairs[i] = models.RepairSymbol{
			StreamID:    group[0].StreamID,
			FirstSeq:    group[0].SequenceNumber,
			GroupSize:   uint8(len(group)),
			ParityIndex: uint8(i),
			Payload:     shards[len(group)+i],
		}
	}
	return repairs, nil
}

func sourceShard(payload []byte, shardLen int) []byte {
	shard := make([]byte, shardLen)
	binary.BigEndian.PutUint32(shard, uint32(len(payload)))
	copy(shard[lengthPrefix:], payload)
	return shard
}

// Recover rebuilds the payloads of one group. received maps sequence
// numbers to the payloads that arrived; repairs must all belong to the
// group starting at firstSeq. The result holds every payload in the group.
func (e *Encoder) Recover(firstSeq uint32, groupSize int, received map[uint32][]byte, repairs []models.RepairSymbol) ([][]byte, error) {
	if groupSize <= 0 || groupSize > e.dataShards {
		return nil, fmt.Errorf("invalid group size %d", groupSize)
	}
	enc, err := e.encoderFor(groupSize)
	if err != nil {
		return nil, err
	}

	shardLen := 0
	for _, r := range repairs {
		if r.FirstSeq != firstSeq || int(r.GroupSize) != groupSize {
			return nil, fmt.Errorf("repair symbol for group %d/%d does not match group %d/%d",
				r.FirstSeq, r.GroupSize, firstSeq, groupSize)
		}
		shardLen = len(r.Payload)
	}
	if shardLen == 0 {
		for _, payload := range received {
			shardLen = max(shardLen, lengthPrefix+len(payload))
		}
	}

	shards := make([][]byte, groupSize+e.parityShards)
	present := 0
	for i := 0; i < groupSize; i++ {
		payload, ok := received[firstSeq+uint32(i)]
		if !ok {
			continue
		}
		if lengthPrefix+len(payload) > shardLen {
			return nil, fmt.Errorf("payload for seq %d exceeds shard size", firstSeq+uint32(i))
		}
		shards[i] = sourceShard(payload, shardLen)
		present++
	}
	for _, r := range repairs {
		if int(r.ParityIndex) >= e.parityShards {
			return nil, fmt.Errorf("parity index %d out of range", r.ParityIndex)
		}
		shards[groupSize+int(r.ParityIndex)] = r.Payload
		present++
	}
	if present < groupSize {
		return nil, ErrTooManyLosses
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct group: %w", err)
	}

	payloads := make([][]byte, groupSize)
	for i := range payloads {
		n := int(binary.BigEndian.Uint32(shards[i]))
		if n > len(shards[i])-lengthPrefix {
			return nil, fmt.Errorf("corrupt length prefix in shard %d", i)
		}
		payloads[i] = shards[i][lengthPrefix : lengthPrefix+n]
	}
	return payloads, nil
}
