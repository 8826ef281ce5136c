package imaging

import (
	"image"
	"math/rand/v2"

	"vitalya/internal/domain"
)

// Transform maps a decoded image to a new image of any size.
type Transform func(img *image.NRGBA) (*image.NRGBA, error)

// Registry binds image commands to transforms.
type Registry struct {
	transforms map[domain.CommandKind]Transform
}

func NewRegistry() *Registry {
	return &Registry{transforms: make(map[domain.CommandKind]Transform)}
}

// Register binds kind to t, replacing any earlier binding.
func (r *Registry) Register(kind domain.CommandKind, t Transform) {
	r.transforms[kind] = t
}

// Lookup returns the transform bound to kind.
func (r *Registry) Lookup(kind domain.CommandKind) (Transform, bool) {
	t, ok := r.transforms[kind]
	return t, ok && t != nil
}

// Options configures the built-in transforms.
type Options struct {
	// NewRand returns a generator for one transform call.
	NewRand func() *rand.Rand
	// Caption supplies the text drawn by AddText.
	Caption func() string
	// Quality is the JPEG quality Compress degrades to.
	Quality int
}

// DefaultRegistry wires Break, Liquidate, Compress and AddText.
func DefaultRegistry(opts Options) *Registry {
	if opts.NewRand == nil {
		opts.NewRand = func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	if opts.Caption == nil {
		opts.Caption = func() string { return "" }
	}
	if opts.Quality <= 0 {
		opts.Quality = compressQuality
	}

	r := NewRegistry()
	r.Register(domain.CommandBreak, func(img *image.NRGBA) (*image.NRGBA, error) {
		return Break(img, opts.NewRand())
	})
	r.Register(domain.CommandLiquidate, Liquidate)
	r.Register(domain.CommandCompress, func(img *image.NRGBA) (*image.NRGBA, error) {
		return Compress(img, opts.Quality)
	})
	r.Register(domain.CommandAddText, func(img *image.NRGBA) (*image.NRGBA, error) {
		return AddText(img, opts.Caption())
	})
	return r
}
