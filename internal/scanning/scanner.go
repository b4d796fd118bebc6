package scanning

import "errors"

// ErrNoCode is returned when a frame does not contain a readable payment code
var ErrNoCode = errors.New("no payment code in frame")

// Scanner defines the interface for reading payment codes out of captured frames
type Scanner interface {
	// ScanCode analyzes an image/PDF frame and returns the text encoded in the code
	ScanCode(imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}
