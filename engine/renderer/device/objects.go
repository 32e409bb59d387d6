package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

type Texture struct {
	Description TextureDescription
	Native      Native
}

type Buffer struct {
	Description BufferDescription
	Native      Native
}

type RenderTarget struct {
	Description RenderTargetDescription
	Native      Native
	Width       uint32
	Height      uint32
}

// ColorCount returns the number of colour attachments.
func (rt *RenderTarget) ColorCount() int {
	return len(rt.Description.Colors)
}

// HasDepthStencil reports whether the render target has a depth/stencil attachment.
func (rt *RenderTarget) HasDepthStencil() bool {
	return rt.Description.DepthStencil != nil
}

// ColorTexture returns the texture of colour attachment i.
func (rt *RenderTarget) ColorTexture(i int) *resource.Handle[*Texture] {
	if i < 0 || i >= len(rt.Description.Colors) {
		return nil
	}
	return rt.Description.Colors[i].Texture
}

// DepthTexture returns the depth/stencil texture, or nil.
func (rt *RenderTarget) DepthTexture() *resource.Handle[*Texture] {
	if rt.Description.DepthStencil == nil {
		return nil
	}
	return rt.Description.DepthStencil.Texture
}

type Shader struct {
	Description ShaderDescription
	Native      Native
	slots       map[string]int
	properties  map[string]propertyRange
	blockSize   uint32
}

type propertyRange struct {
	offset uint32
	size   uint32
}

func newShader(desc ShaderDescription, native Native) (*Shader, error) {
	s := &Shader{
		Description: desc,
		Native:      native,
		slots:       make(map[string]int, len(desc.Bindings)),
		properties:  make(map[string]propertyRange, len(desc.Properties)),
	}
	for i, b := range desc.Bindings {
		if _, ok := s.slots[b.Name]; ok {
			return nil, fmt.Errorf("shader %q declares slot %q twice", desc.Label, b.Name)
		}
		s.slots[b.Name] = i + 1
	}
	for _, p := range desc.Properties {
		if p.Size == 0 || p.Size%16 != 0 {
			return nil, fmt.Errorf("shader %q property %q size %d is not a multiple of 16", desc.Label, p.Name, p.Size)
		}
		s.properties[p.Name] = propertyRange{offset: s.blockSize, size: p.Size}
		s.blockSize += p.Size
	}
	return s, nil
}

// Slot returns the binding index of the named slot.
func (s *Shader) Slot(name string) (int, BindingSlot, bool) {
	i, ok := s.slots[name]
	if !ok {
		return 0, BindingSlot{}, false
	}
	return i, s.Description.Bindings[i-1], true
}

// PropertyBlockSize is the size in bytes of the properties block.
func (s *Shader) PropertyBlockSize() uint32 {
	return s.blockSize
}

// Pipeline pairs a shader with fixed function state. It owns a reference to
// its shader for as long as it lives.
type Pipeline struct {
	Description PipelineDescription
	Shader      *resource.Handle[*Shader]
}

// BindingEntry is one bound resource of a binding set.
type BindingEntry struct {
	Binding  int
	Kind     SlotKind
	Resource uuid.UUID
}

// BindingSetDescription is the logical description of the resources bound to
// a shader for one draw. Two descriptions with the same shader and the same
// entries are the same binding set.
type BindingSetDescription struct {
	Shader     uuid.UUID
	Properties uuid.UUID
	Entries    []BindingEntry
}

// Key returns a canonical string for structural comparison.
func (d BindingSetDescription) Key() string {
	entries := append([]BindingEntry(nil), d.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Binding < entries[j].Binding })

	var sb strings.Builder
	sb.WriteString(d.Shader.String())
	sb.WriteByte('|')
	sb.WriteString(d.Properties.String())
	for _, e := range entries {
		fmt.Fprintf(&sb, "|%d:%d:%s", e.Binding, e.Kind, e.Resource)
	}
	return sb.String()
}

// Resources returns every resource id the set refers to.
func (d BindingSetDescription) Resources() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(d.Entries)+2)
	ids = append(ids, d.Shader)
	if d.Properties != uuid.Nil {
		ids = append(ids, d.Properties)
	}
	for _, e := range d.Entries {
		ids = append(ids, e.Resource)
	}
	return ids
}

type BindingSet struct {
	Description BindingSetDescription
	Native      Native
}
