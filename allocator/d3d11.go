package allocator

// D3D11Backing selects D3D11-backed surface memory (config option
// enable_d3d11), used so decode output can stay in device memory for
// zero-copy rendering. Real D3D11 surface interop is a Windows/DXVA
// concern outside this module's scope (spec.md §1, "the hardware device /
// surface allocator backends are abstracted as an allocator trait" and
// treated as an external collaborator); this stub documents the seam a
// platform build would fill in, matching the teacher's own
// device/raspistill build-tag-gated backend split (imp_release.go vs.
// imp_debug.go) for a backend that only exists on specific hardware.
type D3D11Backing struct{}

// NewD3D11Backing returns a D3D11Backing. Every method returns
// ErrUnsupportedBacking until a platform-specific implementation is wired
// in behind a build tag.
func NewD3D11Backing() *D3D11Backing { return &D3D11Backing{} }

func (d *D3D11Backing) Alloc(Request) (Response, error) { return Response{}, ErrUnsupportedBacking }
func (d *D3D11Backing) Free(Response) error             { return ErrUnsupportedBacking }
func (d *D3D11Backing) Lock(Response) (Planes, error)   { return Planes{}, ErrUnsupportedBacking }
func (d *D3D11Backing) Unlock(Response) error           { return ErrUnsupportedBacking }
