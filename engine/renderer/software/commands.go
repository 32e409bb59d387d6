package software

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

var errPassOpen = errors.New("render pass already open")

// commandList validates commands as they are recorded and defers their
// effects to Submit. Ops run with the backend lock held.
type commandList struct {
	backend  *Backend
	ops      []func() error
	target   *renderTarget
	shader   *shader
	compute  bool
	set      *bindingSet
	vertex   *buffer
	index    *buffer
	vertexed bool
}

var _ device.CommandList = (*commandList)(nil)

func (cl *commandList) record(op func() error) {
	cl.ops = append(cl.ops, op)
}

func alive(t *texture) error {
	if t == nil || t.destroyed {
		return fmt.Errorf("texture destroyed before execution: %w", core.ErrInvalidHandleUse)
	}
	return nil
}

func (cl *commandList) BeginRenderPass(native device.Native, viewport device.Viewport) error {
	if cl.target != nil {
		return errPassOpen
	}
	rt, ok := native.(*renderTarget)
	if !ok || rt.destroyed {
		return fmt.Errorf("begin pass on a destroyed render target: %w", core.ErrInvalidHandleUse)
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return fmt.Errorf("empty viewport %vx%v", viewport.Width, viewport.Height)
	}
	cl.target = rt
	cl.shader, cl.set = nil, nil
	cl.record(func() error {
		for i, a := range rt.desc.Colors {
			if a.Load != gputypes.LoadOpClear {
				continue
			}
			if err := alive(rt.colors[i]); err != nil {
				return err
			}
			rt.colors[i].fill(a.Subresource, a.ClearColor)
		}
		if ds := rt.desc.DepthStencil; ds != nil && ds.Load == gputypes.LoadOpClear {
			if err := alive(rt.depth); err != nil {
				return err
			}
			rt.depth.fill(ds.Subresource, [4]float32{ds.ClearDepth, float32(ds.ClearStencil), 0, 1})
		}
		return nil
	})
	return nil
}

func (t *texture) fill(sub device.Subresource, c [4]float32) {
	q := quantize(t.desc.Format, c)
	texels := t.levels[t.index(sub)]
	for i := 0; i < len(texels); i += 4 {
		copy(texels[i:i+4], q[:])
	}
}

func (cl *commandList) EndRenderPass() {
	cl.target = nil
	if !cl.compute {
		cl.shader, cl.set = nil, nil
	}
}

func (cl *commandList) BindShader(native device.Native, state device.PipelineState) error {
	s, ok := native.(*shader)
	if !ok || s.destroyed {
		return fmt.Errorf("bind a destroyed shader: %w", core.ErrInvalidHandleUse)
	}
	compute := s.sources.Compute != ""
	if compute && cl.target != nil {
		return fmt.Errorf("compute shader %q bound inside a render pass", s.desc.Label)
	}
	if !compute && cl.target == nil {
		return fmt.Errorf("graphics shader %q bound outside a render pass", s.desc.Label)
	}
	if state.DepthWrite && cl.target != nil && cl.target.depth == nil {
		return fmt.Errorf("shader %q writes depth but %q has no depth attachment", s.desc.Label, cl.target.desc.Label)
	}
	cl.shader, cl.compute, cl.set = s, compute, nil
	cl.vertexed = state.Vertex == device.VertexLayoutMesh
	return nil
}

func (cl *commandList) BindSet(native device.Native, dynamicOffset uint32) error {
	bs, ok := native.(*bindingSet)
	if !ok || bs.destroyed {
		return fmt.Errorf("bind a destroyed binding set: %w", core.ErrInvalidHandleUse)
	}
	if cl.shader == nil || bs.shader != cl.shader {
		return fmt.Errorf("binding set does not belong to the bound shader")
	}
	for _, b := range bs.bindings {
		if b.Kind == device.SlotUniformBuffer && b.Binding == 0 {
			if buf, ok := b.Buffer.(*buffer); ok && uint64(dynamicOffset)+b.Range > buf.desc.Size {
				return fmt.Errorf("dynamic offset %d overruns %q: %w", dynamicOffset, buf.desc.Label, core.ErrCapacityExceeded)
			}
		}
	}
	cl.set = bs
	return nil
}

func (cl *commandList) bindBuffer(native device.Native, dst **buffer) error {
	buf, ok := native.(*buffer)
	if !ok || buf.destroyed {
		return fmt.Errorf("bind a destroyed buffer: %w", core.ErrInvalidHandleUse)
	}
	*dst = buf
	return nil
}

func (cl *commandList) BindVertexBuffer(native device.Native, offset uint64) error {
	return cl.bindBuffer(native, &cl.vertex)
}

func (cl *commandList) BindIndexBuffer(native device.Native, offset uint64) error {
	return cl.bindBuffer(native, &cl.index)
}

func (cl *commandList) validateDraw() error {
	if cl.target == nil {
		return fmt.Errorf("draw outside a render pass")
	}
	if cl.shader == nil || cl.compute {
		return fmt.Errorf("draw without a graphics shader")
	}
	if cl.vertexed && cl.vertex == nil {
		return fmt.Errorf("draw %q without a vertex buffer", cl.shader.desc.Label)
	}
	if len(cl.shader.desc.Bindings) > 0 && cl.set == nil {
		return fmt.Errorf("draw %q without a binding set", cl.shader.desc.Label)
	}
	return nil
}

func (cl *commandList) countDraw() {
	cl.record(func() error {
		cl.backend.draws++
		return nil
	})
}

func (cl *commandList) Draw(vertexCount, instanceCount uint32) error {
	if err := cl.validateDraw(); err != nil {
		return err
	}
	cl.countDraw()
	return nil
}

func (cl *commandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32) error {
	if err := cl.validateDraw(); err != nil {
		return err
	}
	if cl.index == nil {
		return fmt.Errorf("indexed draw without an index buffer")
	}
	if uint64(firstIndex+indexCount)*4 > cl.index.desc.Size {
		return fmt.Errorf("indices %d..%d overrun %q: %w", firstIndex, firstIndex+indexCount, cl.index.desc.Label, core.ErrCapacityExceeded)
	}
	cl.countDraw()
	return nil
}

func (cl *commandList) Dispatch(x, y, z uint32) error {
	if cl.shader == nil || !cl.compute {
		return fmt.Errorf("dispatch without a compute shader")
	}
	if len(cl.shader.desc.Bindings) > 0 && cl.set == nil {
		return fmt.Errorf("dispatch %q without a binding set", cl.shader.desc.Label)
	}
	cl.record(func() error {
		cl.backend.dispatches++
		return nil
	})
	return nil
}

func (cl *commandList) CopyTexture(srcNative device.Native, srcSub device.Subresource, dstNative device.Native, dstSub device.Subresource) error {
	if cl.target != nil {
		return fmt.Errorf("copy inside a render pass")
	}
	src, ok := srcNative.(*texture)
	if !ok || src.destroyed {
		return fmt.Errorf("copy from a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	dst, ok := dstNative.(*texture)
	if !ok || dst.destroyed {
		return fmt.Errorf("copy to a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	if !src.desc.Contains(srcSub) || !dst.desc.Contains(dstSub) {
		return fmt.Errorf("copy subresource out of range: %w", core.ErrCapacityExceeded)
	}
	cl.record(func() error {
		if err := alive(src); err != nil {
			return err
		}
		if err := alive(dst); err != nil {
			return err
		}
		from := src.levels[src.index(srcSub)]
		to := dst.levels[dst.index(dstSub)]
		if len(from) != len(to) {
			return fmt.Errorf("copy between %d and %d texels", len(from)/4, len(to)/4)
		}
		copy(to, from)
		return nil
	})
	return nil
}

func (cl *commandList) SetViewport(viewport device.Viewport) error {
	if cl.target == nil {
		return fmt.Errorf("viewport outside a render pass")
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return fmt.Errorf("empty viewport %vx%v", viewport.Width, viewport.Height)
	}
	return nil
}

func (cl *commandList) BlitTexture(srcNative device.Native, srcSub device.Subresource, dstNative device.Native, dstSub device.Subresource) error {
	if cl.target != nil {
		return fmt.Errorf("blit inside a render pass")
	}
	src, ok := srcNative.(*texture)
	if !ok || src.destroyed {
		return fmt.Errorf("blit from a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	dst, ok := dstNative.(*texture)
	if !ok || dst.destroyed {
		return fmt.Errorf("blit to a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	cl.record(func() error {
		if err := alive(src); err != nil {
			return err
		}
		if err := alive(dst); err != nil {
			return err
		}
		sw, sh := src.desc.MipExtent(srcSub.MipLevel)
		dw, dh := dst.desc.MipExtent(dstSub.MipLevel)
		from := src.levels[src.index(srcSub)]
		to := dst.levels[dst.index(dstSub)]
		for y := uint32(0); y < dh; y++ {
			for x := uint32(0); x < dw; x++ {
				c := sample(from, sw, sh, (float32(x)+0.5)/float32(dw), (float32(y)+0.5)/float32(dh))
				q := quantize(dst.desc.Format, c)
				i := (y*dw + x) * 4
				copy(to[i:i+4], q[:])
			}
		}
		return nil
	})
	return nil
}

// sample filters texels bilinearly at normalized coordinates with clamp to edge.
func sample(texels []float32, w, h uint32, u, v float32) [4]float32 {
	fx := math32.Max(u*float32(w)-0.5, 0)
	fy := math32.Max(v*float32(h)-0.5, 0)
	x0 := min(uint32(fx), w-1)
	y0 := min(uint32(fy), h-1)
	x1 := min(x0+1, w-1)
	y1 := min(y0+1, h-1)
	tx := fx - float32(x0)
	ty := fy - float32(y0)

	var out [4]float32
	for c := uint32(0); c < 4; c++ {
		at := func(x, y uint32) float32 { return texels[(y*w+x)*4+c] }
		top := at(x0, y0)*(1-tx) + at(x1, y0)*tx
		bottom := at(x0, y1)*(1-tx) + at(x1, y1)*tx
		out[c] = top*(1-ty) + bottom*ty
	}
	return out
}
