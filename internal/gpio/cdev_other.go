//go:build !linux

package gpio

// CdevReader is only available on Linux.
type CdevReader struct{}

// NewCdevReader always fails outside Linux.
func NewCdevReader(string) (*CdevReader, error) { return nil, ErrUnsupported }

func (r *CdevReader) Value(int) (int, error) { return 0, ErrUnsupported }

func (r *CdevReader) Close() error { return nil }
