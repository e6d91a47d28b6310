package overlay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/mem"
)

func benchOverlay(b *testing.B, lowers []sandboxfs.Backend, opts ...Option) *Overlay {
	b.Helper()
	all := []Option{WithUpper(mem.New())}
	for _, l := range lowers {
		all = append(all, WithLower(l))
	}
	o, err := New(context.Background(), append(all, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	return o
}

// fill creates count files named file<i>.txt in dir of b.
func fill(b *testing.B, be sandboxfs.Backend, dir sandboxfs.Handle, from, to int, data []byte) {
	b.Helper()
	ctx := context.Background()
	for i := from; i < to; i++ {
		h, err := be.Create(ctx, dir, fmt.Sprintf("file%d.txt", i), sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o644})
		if err != nil {
			b.Fatal(err)
		}
		if len(data) == 0 {
			continue
		}
		be.Open(ctx, h, sandboxfs.OpenWrite)
		if _, err := be.Write(ctx, h, data, 0); err != nil {
			b.Fatal(err)
		}
		be.Release(ctx, h)
	}
}

func BenchmarkLookup(b *testing.B) {
	for _, cached := range []bool{false, true} {
		b.Run(fmt.Sprintf("cache=%v", cached), func(b *testing.B) {
			lower := mem.New()
			fill(b, lower, lower.Root(), 0, 100, []byte("content"))
			var opts []Option
			if cached {
				opts = append(opts, WithLowerCache(5*time.Minute, time.Minute, 1000))
			}
			o := benchOverlay(b, []sandboxfs.Backend{lower}, opts...)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := o.Lookup(ctx, o.Root(), "file50.txt"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkNegativeLookup(b *testing.B) {
	for _, cached := range []bool{false, true} {
		b.Run(fmt.Sprintf("cache=%v", cached), func(b *testing.B) {
			var opts []Option
			if cached {
				opts = append(opts, WithLowerCache(5*time.Minute, time.Minute, 1000))
			}
			o := benchOverlay(b, []sandboxfs.Backend{mem.New()}, opts...)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := o.Lookup(ctx, o.Root(), "nonexistent.txt"); err == nil {
					b.Fatal("expected error for nonexistent file")
				}
			}
		})
	}
}

func BenchmarkCopyUp(b *testing.B) {
	content := make([]byte, 10240)
	for i := range content {
		content[i] = byte(i % 256)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		lower := mem.New()
		fill(b, lower, lower.Root(), 0, 1, content)
		o := benchOverlay(b, []sandboxfs.Backend{lower})
		h, err := o.Lookup(ctx, o.Root(), "file0.txt")
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		if err := o.Open(ctx, h, sandboxfs.OpenWrite); err != nil {
			b.Fatal(err)
		}
		o.Release(ctx, h)
	}
}

func BenchmarkDirectoryMerge(b *testing.B) {
	ctx := context.Background()
	spec := sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory, Mode: 0o755}
	layer0, layer1 := mem.New(), mem.New()
	d0, _ := layer0.Mkdir(ctx, layer0.Root(), "dir", spec)
	d1, _ := layer1.Mkdir(ctx, layer1.Root(), "dir", spec)
	fill(b, layer0, d0, 0, 50, nil)
	fill(b, layer1, d1, 50, 100, nil)

	o := benchOverlay(b, []sandboxfs.Backend{layer1, layer0})
	dir, err := o.Lookup(ctx, o.Root(), "dir")
	if err != nil {
		b.Fatal(err)
	}
	ud, err := o.copyUp(ctx, dir, true)
	if err != nil {
		b.Fatal(err)
	}
	fill(b, o.upper, ud, 100, 150, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		entries, err := o.ReadDir(ctx, dir, "", 0)
		if err != nil {
			b.Fatal(err)
		}
		if len(entries) != 150 {
			b.Fatalf("expected 150 entries, got %d", len(entries))
		}
	}
}

func BenchmarkLayerDepth(b *testing.B) {
	for _, depth := range []int{2, 5, 10} {
		b.Run(fmt.Sprintf("layers=%d", depth), func(b *testing.B) {
			layers := make([]sandboxfs.Backend, depth)
			for i := range layers {
				layers[i] = mem.New()
			}
			bottom := layers[depth-1]
			fill(b, bottom, bottom.Root(), 0, 1, []byte("content"))
			o := benchOverlay(b, layers)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := o.Lookup(ctx, o.Root(), "file0.txt"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkWhiteoutLookup(b *testing.B) {
	ctx := context.Background()
	lower := mem.New()
	fill(b, lower, lower.Root(), 0, 100, []byte("content"))
	o := benchOverlay(b, []sandboxfs.Backend{lower})
	for i := 0; i < 50; i++ {
		if err := o.Unlink(ctx, o.Root(), fmt.Sprintf("file%d.txt", i)); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := o.Lookup(ctx, o.Root(), "file25.txt"); err == nil {
			b.Fatal("expected file to be whited out")
		}
	}
}
