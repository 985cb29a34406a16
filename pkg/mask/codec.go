package mask

import (
	"bytes"
	"encoding/base64"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/sdstudio/sdclient/pkg/errors"
)

// DataURLPrefix is the prefix of every PNG data URL produced by this package.
const DataURLPrefix = "data:image/png;base64,"

// EncodePNG writes img to w as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return errors.Wrap(imaging.Encode(w, img, imaging.PNG), "failed to encode png")
}

// EncodeDataURL renders img as a base64 PNG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return "", err
	}
	return DataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURL decodes a base64 image data URL. A bare base64 payload
// without the "data:" header is accepted too.
func DecodeDataURL(s string) (image.Image, error) {
	payload := s
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return nil, errors.New("malformed data url")
		}
		payload = s[i+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64 payload")
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// OpenReader decodes an image from r and opens it in the session.
func (s *Session) OpenReader(r io.Reader) error {
	img, err := imaging.Decode(r)
	if err != nil {
		return errors.Wrap(err, "failed to decode image")
	}
	return s.Open(img)
}

// OpenDataURL decodes a data URL and opens it in the session.
func (s *Session) OpenDataURL(dataURL string) error {
	img, err := DecodeDataURL(dataURL)
	if err != nil {
		return err
	}
	return s.Open(img)
}
