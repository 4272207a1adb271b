// Package backend provides a registry of gpucore backends.
//
// Backends are registered via init() functions and selected at runtime.
// The hal software and noop backends of gogpu/wgpu are registered on
// import:
//
//	import "github.com/gogpu/gpures/backend"
//
// # Backend Selection
//
// Use Default() to get the best available backend, or Get() to request
// a specific backend by name:
//
//	b := backend.Get("software")
//	if err := b.Init(); err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	m, err := gpures.NewManager(b.Device(), b.Queue())
//
// # Available Backends
//
//   - "software": CPU implementation of the hal API; copies really move bytes
//   - "noop": hal backend that records nothing; for overhead measurements
//
// Applications that already own a GPU device wrap it with
// halgpu.New or halgpu.FromProvider instead.
package backend
