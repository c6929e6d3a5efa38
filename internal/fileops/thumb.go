package fileops

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Image is the result of Thumb.
type Image struct {
	Data    []byte
	ModTime time.Time
}

func (*Image) result() {}

func (m *Manager) thumb(_ context.Context, op Thumb) (*Image, error) {
	f, err := m.resolveFile(op.Path)
	if err != nil {
		return nil, err
	}
	if !isImageExt(strings.ToLower(filepath.Ext(f.Path))) {
		return nil, fmt.Errorf("%s: %w", f.Logical, fs.ErrNotExist)
	}
	st, err := os.Stat(f.Path)
	if err != nil {
		return nil, opErr("thumb", f.Logical, err)
	}

	var cachePath string
	if m.stateDir != "" {
		sum := sha256.Sum256([]byte(f.Logical + "\x00" + strconv.FormatInt(st.ModTime().UnixNano(), 10) + "\x00" + strconv.Itoa(m.thumbSize)))
		dir := filepath.Join(m.stateDir, "thumbs")
		cachePath = filepath.Join(dir, hex.EncodeToString(sum[:16])+".jpg")
		if b, err := os.ReadFile(cachePath); err == nil {
			return &Image{Data: b, ModTime: st.ModTime()}, nil
		}
		_ = os.MkdirAll(dir, 0o755)
	}

	b, err := makeThumb(f.Path, m.thumbSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", f.Logical, ErrInvalidInput, err)
	}
	if cachePath != "" {
		if err := os.WriteFile(cachePath, b, 0o644); err != nil {
			m.log.Debug("thumbnail cache write failed", "error", err)
		}
	}
	return &Image{Data: b, ModTime: st.ModTime()}, nil
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if max <= 0 {
		max = 256
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
