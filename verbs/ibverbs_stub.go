//go:build !cgo || !rdma_hw

package verbs

// NewIBVerbs reports ErrNotSupported when the binary was built without the rdma_hw tag.
func NewIBVerbs() (Provider, error) {
	return nil, ErrNotSupported
}
