package common

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ulikunitz/xz"
)

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone strips everything but digits, so "+1 (555) 010-0199" and
// "15550100199" name the same user.
func NormalizePhone(phone string) string {
	return nonDigits.ReplaceAllString(strings.TrimSpace(phone), "")
}

func CompressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz.NewWriter failed, err: %w", err)
	}

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("io.Copy failed, err: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("xz.Close failed, err: %w", err)
	}
	return buf.Bytes(), nil
}

func DecompressData(compressedData []byte) ([]byte, error) {
	reader, err := xz.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, fmt.Errorf("xz.NewReader failed, err: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("io.Copy failed, err: %w", err)
	}
	return buf.Bytes(), nil
}
