//go:build go1.22

package arena

import "unsafe"

func unsafeSlice[T any](p *T, n int) []T {
	if n == 0 {
		return nil
	}

	return unsafe.Slice(p, n)
}

func bytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	return unsafe.String(&b[0], len(b))
}
