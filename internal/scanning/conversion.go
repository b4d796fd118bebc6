package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// codeScanPrompt is the shared prompt used by all vision providers for reading payment codes
const codeScanPrompt = `You are looking at a single camera frame, photo or printout that may contain a QR code or barcode used to pay a bus driver or a shop.

1. Find the payment code in the image. Ignore any printed text around it.
2. Decode it and return the exact text encoded in the code. Do not reformat, pretty-print, translate or summarize it: JSON inside a code must be returned character for character.

Return ONLY valid JSON in this exact format:
{
  "found": true,
  "text": "exact encoded text"
}

Important:
- If there is no readable code in the image, return {"found": false, "text": ""}
- Never guess characters you cannot read; report found=false instead
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

const pngMimeType = "image/png"

// renderPDF renders the first page of a PDF printout to PNG
func renderPDF(data []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Exported payment codes are single page documents
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// decodeFrame decodes a camera frame into an image, including HEIC photos from iPhones
func decodeFrame(data []byte, mimeType string) (image.Image, error) {
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF frame: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported frame format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeFrame converts any supported frame into PNG, the only format sent to the vision models
func normalizeFrame(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg" // camera default
	}

	switch {
	case mimeType == "application/pdf":
		pngData, err := renderPDF(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, nil
	case mimeType == pngMimeType && !isHEICFormat(data):
		return data, nil
	}

	img, err := decodeFrame(data, mimeType)
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}
