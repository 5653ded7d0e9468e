package report

import (
	"errors"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

var ErrEmptyHash = errors.New("report: file hash is empty")

// qrPayload is what a scanner reads back: the algorithm and the hex digest.
func qrPayload(hash string) string {
	digest := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			return r
		case r >= 'a' && r <= 'f':
			return r - 'a' + 'A'
		}
		return -1
	}, hash)
	if digest == "" {
		return ""
	}
	return "SHA256:" + digest
}

// HashToQR renders the SHA-256 of a source file as a PNG QR code.
func HashToQR(hash string, size int) ([]byte, error) {
	payload := qrPayload(hash)
	if payload == "" {
		return nil, ErrEmptyHash
	}
	if size <= 0 {
		size = 128
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}
