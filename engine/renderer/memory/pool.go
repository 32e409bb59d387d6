// Package memory holds the per-frame shader memory pool and the binding set
// cache the device draws through.
package memory

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// ErrChunkInFlight is returned when writing to a chunk the GPU may still read.
var ErrChunkInFlight = errors.New("shader memory chunk is in flight")

// Token addresses a region of shader memory.
type Token struct {
	Chunk  int
	Offset uint64
	Size   uint64
}

// Stats describes the pool state.
type Stats struct {
	Chunks     int
	InFlight   int
	Regions    int
	BytesInUse uint64
}

type chunk struct {
	buffer *resource.Handle[*device.Buffer]
	slot   int
	cursor uint64
	// regions counts the live regions placed in the chunk.
	regions int
	// submitted is the timeline value of the last submission that read it.
	submitted uint64
	touched   bool
}

type region struct {
	token Token
	frame uint64
}

// ShaderMemoryPool hands out shader memory regions that stay put from frame
// to frame. Every frame slot owns its own chunks so that a region written
// for slot k is never overwritten before slot k's submission retired.
type ShaderMemoryPool struct {
	device    *device.Device
	chunkSize uint64
	alignment uint64

	chunks    []*chunk
	regions   []map[device.RegionID]*region
	lastFrame []uint64
	slot      int
	frame     uint64
	completed uint64
}

var _ device.UniformAllocator = (*ShaderMemoryPool)(nil)

func NewShaderMemoryPool(dev *device.Device, cfg config.MemoryConfig, frames int) (*ShaderMemoryPool, error) {
	if frames < 1 || frames > config.MaxFramesInFlight {
		return nil, fmt.Errorf("shader memory pool for %d frames: %w", frames, core.ErrCapacityExceeded)
	}
	if !math.IsPowerOfTwo(cfg.Alignment) || cfg.ChunkSize < cfg.Alignment {
		return nil, fmt.Errorf("invalid shader memory layout: chunk %d, alignment %d", cfg.ChunkSize, cfg.Alignment)
	}
	p := &ShaderMemoryPool{
		device:    dev,
		chunkSize: math.AlignUp(cfg.ChunkSize, cfg.Alignment),
		alignment: cfg.Alignment,
		regions:   make([]map[device.RegionID]*region, frames),
		lastFrame: make([]uint64, frames),
	}
	for i := range p.regions {
		p.regions[i] = make(map[device.RegionID]*region)
	}
	return p, nil
}

/**
 * @brief Selects the frame slot the next allocations belong to. Regions the
 * slot did not use in its previous frame are dropped and chunks left without
 * regions are rewound once they retired.
 * @param slot The frame slot index.
 */
func (p *ShaderMemoryPool) BeginFrame(slot int) error {
	if slot < 0 || slot >= len(p.regions) {
		return fmt.Errorf("frame slot %d of %d: %w", slot, len(p.regions), core.ErrCapacityExceeded)
	}
	p.Retire()
	p.frame++
	p.slot = slot

	previous := p.lastFrame[slot]
	for id, r := range p.regions[slot] {
		if r.frame < previous {
			p.chunks[r.token.Chunk].regions--
			delete(p.regions[slot], id)
		}
	}
	for _, c := range p.chunks {
		if c.slot == slot && c.regions == 0 && c.submitted <= p.completed {
			c.cursor = 0
		}
	}
	p.lastFrame[slot] = p.frame
	return nil
}

// Retire refreshes the retired timeline value from the device.
func (p *ShaderMemoryPool) Retire() uint64 {
	p.completed = p.device.CompletedValue()
	return p.completed
}

func (c *chunk) retired(completed uint64) bool {
	return c.submitted <= completed
}

// Allocate returns the region named id. The same id and size return the same
// token every frame; a different size relocates the region.
func (p *ShaderMemoryPool) Allocate(id device.RegionID, size uint64) (Token, error) {
	if size == 0 {
		return Token{}, fmt.Errorf("region %v has zero size", id)
	}
	size = math.AlignUp(size, p.alignment)
	if size > p.chunkSize {
		return Token{}, fmt.Errorf("region %v of %d bytes exceeds chunk size %d: %w", id, size, p.chunkSize, core.ErrCapacityExceeded)
	}

	regions := p.regions[p.slot]
	if r, ok := regions[id]; ok {
		if r.token.Size == size {
			r.frame = p.frame
			p.chunks[r.token.Chunk].touched = true
			return r.token, nil
		}
		p.chunks[r.token.Chunk].regions--
		delete(regions, id)
	}

	index, err := p.chunkFor(size)
	if err != nil {
		return Token{}, err
	}
	c := p.chunks[index]
	token := Token{Chunk: index, Offset: c.cursor, Size: size}
	c.cursor += size
	c.regions++
	c.touched = true
	regions[id] = &region{token: token, frame: p.frame}
	return token, nil
}

func (p *ShaderMemoryPool) chunkFor(size uint64) (int, error) {
	for i, c := range p.chunks {
		if c.slot == p.slot && c.retired(p.completed) && c.cursor+size <= p.chunkSize {
			return i, nil
		}
	}
	buffer, err := p.device.CreateBuffer(device.BufferDescription{
		Label:       fmt.Sprintf("shader_memory_%d_%d", p.slot, len(p.chunks)),
		Size:        p.chunkSize,
		Usage:       gputypes.BufferUsageUniform | gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		HostVisible: true,
	})
	if err != nil {
		return 0, err
	}
	p.chunks = append(p.chunks, &chunk{buffer: buffer, slot: p.slot})
	core.LogDebug("shader memory grew to %d chunks (%d bytes each)", len(p.chunks), p.chunkSize)
	return len(p.chunks) - 1, nil
}

// Write copies data into the region of token.
func (p *ShaderMemoryPool) Write(token Token, data []byte) error {
	if token.Chunk < 0 || token.Chunk >= len(p.chunks) {
		return fmt.Errorf("token chunk %d: %w", token.Chunk, core.ErrInvalidHandleUse)
	}
	if uint64(len(data)) > token.Size {
		return fmt.Errorf("%d bytes into a %d byte region: %w", len(data), token.Size, core.ErrCapacityExceeded)
	}
	c := p.chunks[token.Chunk]
	if !c.retired(p.completed) && !c.retired(p.Retire()) {
		return fmt.Errorf("chunk %d submitted at %d, retired %d: %w", token.Chunk, c.submitted, p.completed, ErrChunkInFlight)
	}
	return p.device.WriteBuffer(c.buffer, token.Offset, data)
}

// AllocateUniform allocates and fills the region id with data.
func (p *ShaderMemoryPool) AllocateUniform(id device.RegionID, data []byte) (device.UniformRange, error) {
	token, err := p.Allocate(id, uint64(len(data)))
	if err != nil {
		return device.UniformRange{}, err
	}
	if err := p.Write(token, data); err != nil {
		return device.UniformRange{}, err
	}
	return device.UniformRange{Buffer: p.chunks[token.Chunk].buffer, Offset: token.Offset, Size: token.Size}, nil
}

// Buffer returns the buffer backing token.
func (p *ShaderMemoryPool) Buffer(token Token) (*resource.Handle[*device.Buffer], error) {
	if token.Chunk < 0 || token.Chunk >= len(p.chunks) {
		return nil, fmt.Errorf("token chunk %d: %w", token.Chunk, core.ErrInvalidHandleUse)
	}
	return p.chunks[token.Chunk].buffer, nil
}

// Submit marks every chunk used since BeginFrame as read by the submission.
func (p *ShaderMemoryPool) Submit(timeline uint64) {
	for _, c := range p.chunks {
		if c.touched {
			c.submitted = timeline
			c.touched = false
		}
	}
}

func (p *ShaderMemoryPool) Stats() Stats {
	var s Stats
	s.Chunks = len(p.chunks)
	for _, c := range p.chunks {
		if !c.retired(p.completed) {
			s.InFlight++
		}
		s.BytesInUse += c.cursor
	}
	for _, regions := range p.regions {
		s.Regions += len(regions)
	}
	return s
}

func (p *ShaderMemoryPool) Destroy() {
	for _, c := range p.chunks {
		c.buffer.Release()
	}
	p.chunks = nil
	for i := range p.regions {
		clear(p.regions[i])
	}
}
