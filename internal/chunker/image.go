package chunker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	_ "image/jpeg"

	"civicinfo/internal/logging"
	"civicinfo/internal/manifest"
	"civicinfo/internal/ocr"
)

// ImageCanonicalizer OCRs raster sources frame by frame. A frame whose
// OCR yields nothing still produces an empty page so provenance survives.
type ImageCanonicalizer struct {
	OCR ocr.Client
}

func (ImageCanonicalizer) Format() Format { return FormatImage }

// Canonicalize decodes the image, OCRs each frame, and returns one Page
// per frame. An undecodable image returns an error and no pages.
func (c *ImageCanonicalizer) Canonicalize(ctx context.Context, raw []byte, man manifest.Raw) (Document, error) {
	frames, err := decodeFrames(raw)
	if err != nil {
		return Document{}, fmt.Errorf("decode image: %w", err)
	}

	doc := Document{Language: man.Language}
	for i, frame := range frames {
		pageNo := i + 1
		text, err := c.OCR.Recognize(ctx, frame)
		if err != nil {
			logging.Log.WithField("frame", pageNo).WithField("error", err.Error()).
				Warn("image_ocr_failed")
			doc.Pages = append(doc.Pages, Page{Number: pageNo})
			continue
		}
		text = Reflow(text)
		doc.Pages = append(doc.Pages, Page{
			Number:  pageNo,
			Text:    text,
			UsedOCR: text != "",
		})
	}
	return doc, nil
}

// decodeFrames returns per-frame image bytes. Multi-frame GIFs are split
// and re-encoded as PNG; other formats pass through as a single frame.
func decodeFrames(raw []byte) ([][]byte, error) {
	if _, format, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil && format == "gif" {
		g, err := gif.DecodeAll(bytes.NewReader(raw))
		if err == nil && len(g.Image) > 1 {
			frames := make([][]byte, 0, len(g.Image))
			for _, img := range g.Image {
				var buf bytes.Buffer
				if err := png.Encode(&buf, img); err != nil {
					continue
				}
				frames = append(frames, buf.Bytes())
			}
			if len(frames) > 0 {
				return frames, nil
			}
		}
	}
	// Validate the image decodes at all before handing it to OCR.
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}
