package gpures

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/gogpu/gpures/growable"
	"github.com/gogpu/gpures/pool"
)

// Packed element sizes.
const (
	// InstanceStride is the size of one instance record: a column-major
	// 4x4 transform, the material index and padding to 16 bytes.
	InstanceStride = 80

	// MaterialStride is the size of one material record.
	MaterialStride = 32

	// IndirectStride is the size of DrawIndexedIndirectArgs.
	IndirectStride = 20
)

// Mesh locates indexed geometry in the shared vertex and index buffers.
type Mesh struct {
	IndexCount uint32
	FirstIndex uint32
	BaseVertex int32
}

// Material is the shading data packed into the material table.
type Material struct {
	BaseColor [4]float32
	Metallic  float32
	Roughness float32
	Textures  [2]uint32 // binding table slots
}

// Drawable is one object instance submitted to Rebuild.
type Drawable struct {
	Transform [16]float32
	Mesh      pool.Handle
	Material  pool.Handle
}

// DrawIndexedIndirectArgs is the indirect argument layout of an indexed draw.
type DrawIndexedIndirectArgs struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// appendTo appends the little-endian encoding of a.
func (a DrawIndexedIndirectArgs) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, a.IndexCount)
	b = binary.LittleEndian.AppendUint32(b, a.InstanceCount)
	b = binary.LittleEndian.AppendUint32(b, a.FirstIndex)
	b = binary.LittleEndian.AppendUint32(b, uint32(a.BaseVertex))
	return binary.LittleEndian.AppendUint32(b, a.FirstInstance)
}

// DrawGroup is one indirect draw: every instance sharing a mesh and a
// material.
type DrawGroup struct {
	Mesh          pool.Handle
	Material      pool.Handle
	MaterialIndex uint32
	FirstInstance uint32
	InstanceCount uint32
}

// DrawData describes the packed buffers of a rebuilt scene.
type DrawData struct {
	Instances growable.Allocation
	Materials growable.Allocation
	Indirect  growable.Allocation
	Groups    []DrawGroup

	InstanceCount int
	MaterialCount int
	Skipped       int // drawables with stale handles
}

// DrawCount returns the number of indirect draws.
func (d DrawData) DrawCount() int { return len(d.Groups) }

type resolved struct {
	d    *Drawable
	mesh Mesh
}

// Rebuild packs drawables into the frame's instance, material and indirect
// buffers. Instances are grouped by mesh then material, one indirect draw
// per group, and every material used is written once.
//
// Under FailureReturn a drawable naming a freed mesh or material is skipped
// and counted in DrawData.Skipped. Under FailurePanic it panics.
func (m *Manager) Rebuild(ctx context.Context, fc *FrameContext, drawables []Drawable) (DrawData, error) {
	if err := m.recording(fc); err != nil {
		return DrawData{}, m.fail(err)
	}

	var out DrawData
	items := make([]resolved, 0, len(drawables))
	for i := range drawables {
		d := &drawables[i]
		mesh, err := m.meshes.Get(d.Mesh)
		if err == nil {
			_, err = m.materials.Get(d.Material)
		}
		if err != nil {
			_ = m.fail(fmt.Errorf("gpures: drawable %d: %w", i, err)) // panics under FailurePanic
			out.Skipped++
			continue
		}
		items = append(items, resolved{d: d, mesh: mesh})
	}
	if out.Skipped > 0 {
		m.skipped += uint64(out.Skipped)
		Logger().Debug("gpures: skipped stale drawables",
			slog.Uint64("frame", fc.frame),
			slog.Int("skipped", out.Skipped))
	}

	slices.SortStableFunc(items, func(a, b resolved) int {
		return cmp.Or(
			compareHandles(a.d.Mesh, b.d.Mesh),
			compareHandles(a.d.Material, b.d.Material),
		)
	})

	fc.slot.instances.Reset()
	fc.slot.materials.Reset()
	fc.slot.indirect.Reset()
	if len(items) == 0 {
		return out, nil
	}

	var (
		instances = make([]byte, 0, len(items)*InstanceStride)
		materials []byte
		indirect  []byte
		index     = make(map[pool.Handle]uint32)
	)
	for i, it := range items {
		matIndex, ok := index[it.d.Material]
		if !ok {
			mat, _ := m.materials.Get(it.d.Material)
			matIndex = uint32(len(index))
			index[it.d.Material] = matIndex
			materials = appendMaterial(materials, mat)
		}
		instances = appendInstance(instances, &it.d.Transform, matIndex)

		n := len(out.Groups)
		if n > 0 && out.Groups[n-1].Mesh == it.d.Mesh && out.Groups[n-1].Material == it.d.Material {
			out.Groups[n-1].InstanceCount++
			continue
		}
		out.Groups = append(out.Groups, DrawGroup{
			Mesh:          it.d.Mesh,
			Material:      it.d.Material,
			MaterialIndex: matIndex,
			FirstInstance: uint32(i),
			InstanceCount: 1,
		})
	}
	for _, g := range out.Groups {
		mesh, _ := m.meshes.Get(g.Mesh)
		indirect = DrawIndexedIndirectArgs{
			IndexCount:    mesh.IndexCount,
			InstanceCount: g.InstanceCount,
			FirstIndex:    mesh.FirstIndex,
			BaseVertex:    mesh.BaseVertex,
			FirstInstance: g.FirstInstance,
		}.appendTo(indirect)
	}

	var err error
	if out.Instances, err = fc.slot.instances.Write(ctx, instances, InstanceStride); err != nil {
		return out, m.fail(fmt.Errorf("gpures: pack instances: %w", err))
	}
	if out.Materials, err = fc.slot.materials.Write(ctx, materials, MaterialStride); err != nil {
		return out, m.fail(fmt.Errorf("gpures: pack materials: %w", err))
	}
	if out.Indirect, err = fc.slot.indirect.Write(ctx, indirect, IndirectStride); err != nil {
		return out, m.fail(fmt.Errorf("gpures: pack indirect draws: %w", err))
	}
	out.InstanceCount = len(items)
	out.MaterialCount = len(index)
	return out, nil
}

func compareHandles(a, b pool.Handle) int {
	return cmp.Or(cmp.Compare(a.Index, b.Index), cmp.Compare(a.Generation, b.Generation))
}

func appendInstance(b []byte, transform *[16]float32, material uint32) []byte {
	for _, v := range transform {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	b = binary.LittleEndian.AppendUint32(b, material)
	var pad [InstanceStride - 68]byte
	return append(b, pad[:]...)
}

func appendMaterial(b []byte, m Material) []byte {
	for _, v := range m.BaseColor {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(m.Metallic))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(m.Roughness))
	b = binary.LittleEndian.AppendUint32(b, m.Textures[0])
	return binary.LittleEndian.AppendUint32(b, m.Textures[1])
}
