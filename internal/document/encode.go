package document

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// EncodePNG encodes an image losslessly for handing to model servers.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// PNG encodes the page bitmap.
func (p *PageImage) PNG() ([]byte, error) {
	return EncodePNG(p.Image)
}
