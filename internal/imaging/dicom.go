package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// decodeDICOM reads the first frame of a single-sample DICOM image. Native
// pixel data keeps its stored values; encapsulated frames go through the
// image decoders the dicom package registers.
func decodeDICOM(r io.Reader) (*Grid, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dicom: %w", err)
	}
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("dicom pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, errors.New("dicom has no pixel frames")
	}
	frame := info.Frames[0]
	img, err := frame.GetImage()
	if err != nil {
		return nil, fmt.Errorf("dicom frame: %w", err)
	}
	return FromImage(img), nil
}
