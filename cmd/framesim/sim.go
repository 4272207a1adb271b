package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/pool"
)

const (
	meshCount        = 6
	materialCount    = 12
	constantsSize    = 256
	bindingsPerFrame = 4

	// A material is replaced every this many frames, and the scene keeps
	// drawing the old handle for one frame to exercise stale handle skips.
	materialChurn = 30
)

// report summarizes a simulation run.
type report struct {
	Backend   string
	Frames    int
	Draws     int
	Instances int
	Skipped   int
	Elapsed   time.Duration
	Stats     gpures.Stats
}

type scene struct {
	m         *gpures.Manager
	rng       *rand.Rand
	meshes    []pool.Handle
	materials []pool.Handle
	retired   pool.Handle
	scratch   pool.Handle
	drawables []gpures.Drawable
}

func newScene(m *gpures.Manager) (*scene, error) {
	s := &scene{m: m, rng: rand.New(rand.NewPCG(1, 2))}
	for i := range meshCount {
		s.meshes = append(s.meshes, m.CreateMesh(gpures.Mesh{
			IndexCount: uint32(36 * (i + 1)),
			FirstIndex: uint32(36 * i * (i + 1) / 2),
		}))
	}
	for range materialCount {
		s.materials = append(s.materials, m.CreateMaterial(s.material()))
	}
	h, err := m.CreateBuffer(gpucore.BufferDescriptor{Label: "scratch", Size: 4096, Usage: gpucore.UsagePacked})
	if err != nil {
		return nil, err
	}
	s.scratch = h
	return s, nil
}

func (s *scene) material() gpures.Material {
	return gpures.Material{
		BaseColor: [4]float32{s.rng.Float32(), s.rng.Float32(), s.rng.Float32(), 1},
		Metallic:  s.rng.Float32(),
		Roughness: s.rng.Float32(),
	}
}

// churn replaces one material and one persistent buffer. The old material
// handle is remembered so the next frame draws it once more.
func (s *scene) churn(frame int) error {
	i := frame / materialChurn % len(s.materials)
	s.retired = s.materials[i]
	if err := s.m.DestroyMaterial(s.retired); err != nil {
		return err
	}
	s.materials[i] = s.m.CreateMaterial(s.material())

	if err := s.m.DestroyBuffer(s.scratch); err != nil {
		return err
	}
	h, err := s.m.CreateBuffer(gpucore.BufferDescriptor{Label: "scratch", Size: 4096, Usage: gpucore.UsagePacked})
	if err != nil {
		return err
	}
	s.scratch = h
	return nil
}

func (s *scene) build(n int) []gpures.Drawable {
	s.drawables = s.drawables[:0]
	for i := range n {
		var t [16]float32
		t[0], t[5], t[10], t[15] = 1, 1, 1, 1
		t[12] = float32(i%100) * 2
		t[13] = float32(i/100) * 2
		s.drawables = append(s.drawables, gpures.Drawable{
			Transform: t,
			Mesh:      s.meshes[s.rng.IntN(len(s.meshes))],
			Material:  s.materials[s.rng.IntN(len(s.materials))],
		})
	}
	if !s.retired.IsZero() {
		s.drawables = append(s.drawables, gpures.Drawable{Mesh: s.meshes[0], Material: s.retired})
		s.retired = pool.Handle{}
	}
	return s.drawables
}

// simulate runs cfg.Frames frames and returns what happened.
func simulate(ctx context.Context, cfg simConfig, m *gpures.Manager) (report, error) {
	rep := report{}
	s, err := newScene(m)
	if err != nil {
		return rep, err
	}

	var constants [constantsSize]byte
	start := time.Now()
	for frame := range cfg.Frames {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		fc, err := m.BeginFrame(ctx)
		if err != nil {
			return rep, err
		}

		binary.LittleEndian.PutUint64(constants[0:], uint64(frame))
		binary.LittleEndian.PutUint32(constants[8:], math.Float32bits(float32(frame)/60))
		if _, err := fc.Upload(constants[:], 256); err != nil {
			return rep, abort(m, fc, err)
		}
		if _, err := fc.AllocateBindings(bindingsPerFrame); err != nil {
			return rep, abort(m, fc, err)
		}
		draw, err := m.Rebuild(ctx, fc, s.build(cfg.Instances+cfg.Growth*frame))
		if err != nil {
			return rep, abort(m, fc, err)
		}
		if _, err := m.EndFrame(fc); err != nil {
			return rep, err
		}

		rep.Frames++
		rep.Draws += draw.DrawCount()
		rep.Instances += draw.InstanceCount
		rep.Skipped += draw.Skipped

		if frame > 0 && frame%materialChurn == 0 {
			if err := s.churn(frame); err != nil {
				return rep, err
			}
		}
	}
	if err := m.Flush(ctx); err != nil {
		return rep, err
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

func abort(m *gpures.Manager, fc *gpures.FrameContext, err error) error {
	if aerr := m.AbortFrame(fc); aerr != nil {
		return fmt.Errorf("%w (abort: %v)", err, aerr)
	}
	return err
}
