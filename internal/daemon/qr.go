package daemon

import (
	"fmt"
	"io"
	"os"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

func qrOutput() io.Writer { return os.Stderr }

// renderQR converts a pairing code to a compact terminal QR using Unicode
// half-block characters. Two bitmap rows become one line.
func renderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}

func writeQR(w io.Writer, content string) error {
	art, err := renderQR(content)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n  Scan this QR code with WhatsApp:\n\n%s\n", art)
	return err
}
