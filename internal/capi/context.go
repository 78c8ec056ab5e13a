//go:build cgo && rdma_hw

package capi

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <infiniband/verbs.h>

static int rx_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}
*/
import "C"

import "unsafe"

// DeviceInfo names an enumerated device.
type DeviceInfo struct {
	Name     string
	NodeGUID uint64
}

// DeviceAttr mirrors the subset of ibv_device_attr used by the Go layer.
type DeviceAttr struct {
	MaxQPWR         int
	MaxCQE          int
	MaxSGE          int
	MaxMR           int
	MaxQPRdAtom     int
	MaxQPInitRdAtom int
	PhysPortCount   int
}

// PortAttr mirrors the subset of ibv_port_attr used by the Go layer.
type PortAttr struct {
	State       int
	MaxMTU      int
	ActiveMTU   int
	LID         uint16
	GIDTableLen int
}

// Context wraps an ibv_context handle.
type Context struct {
	ptr *C.struct_ibv_context
}

// ListDevices returns the devices visible to libibverbs.
func ListDevices() ([]DeviceInfo, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, ErrorFromErrno(err, "ibv_get_device_list")
	}
	defer C.ibv_free_device_list(list)

	devs := unsafe.Slice(list, int(n))
	out := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		out = append(out, deviceInfo(dev))
	}
	return out, nil
}

// OpenDevice opens the first device whose name matches. An empty name selects the
// first device. The device list is released before returning.
func OpenDevice(name string) (*Context, DeviceInfo, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, DeviceInfo{}, ErrorFromErrno(err, "ibv_get_device_list")
	}
	defer C.ibv_free_device_list(list)

	for _, dev := range unsafe.Slice(list, int(n)) {
		info := deviceInfo(dev)
		if name != "" && info.Name != name {
			continue
		}
		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return nil, DeviceInfo{}, ErrorFromErrno(err, "ibv_open_device")
		}
		return &Context{ptr: ctx}, info, nil
	}
	return nil, DeviceInfo{}, ErrNoDevice.WithOp("ibv_open_device")
}

func deviceInfo(dev *C.struct_ibv_device) DeviceInfo {
	return DeviceInfo{
		Name:     C.GoString(C.ibv_get_device_name(dev)),
		NodeGUID: uint64(C.ibv_get_device_guid(dev)),
	}
}

// Close releases the device context.
func (c *Context) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	if err := ErrorFromStatus(int(C.ibv_close_device(c.ptr)), "ibv_close_device"); err != nil {
		return err
	}
	c.ptr = nil
	return nil
}

// QueryDevice reports the device capability limits.
func (c *Context) QueryDevice() (DeviceAttr, error) {
	if c == nil || c.ptr == nil {
		return DeviceAttr{}, ErrInvalid.WithOp("ibv_query_device")
	}
	var attr C.struct_ibv_device_attr
	if err := ErrorFromStatus(int(C.ibv_query_device(c.ptr, &attr)), "ibv_query_device"); err != nil {
		return DeviceAttr{}, err
	}
	return DeviceAttr{
		MaxQPWR:         int(attr.max_qp_wr),
		MaxCQE:          int(attr.max_cqe),
		MaxSGE:          int(attr.max_sge),
		MaxMR:           int(attr.max_mr),
		MaxQPRdAtom:     int(attr.max_qp_rd_atom),
		MaxQPInitRdAtom: int(attr.max_qp_init_rd_atom),
		PhysPortCount:   int(attr.phys_port_cnt),
	}, nil
}

// QueryPort reports the state of a port.
func (c *Context) QueryPort(port uint8) (PortAttr, error) {
	if c == nil || c.ptr == nil {
		return PortAttr{}, ErrInvalid.WithOp("ibv_query_port")
	}
	var attr C.struct_ibv_port_attr
	if err := ErrorFromStatus(int(C.rx_query_port(c.ptr, C.uint8_t(port), &attr)), "ibv_query_port"); err != nil {
		return PortAttr{}, err
	}
	return PortAttr{
		State:       int(attr.state),
		MaxMTU:      int(attr.max_mtu),
		ActiveMTU:   int(attr.active_mtu),
		LID:         uint16(attr.lid),
		GIDTableLen: int(attr.gid_tbl_len),
	}, nil
}

// QueryGID reads one entry of the port's GID table.
func (c *Context) QueryGID(port uint8, index int) ([16]byte, error) {
	var out [16]byte
	if c == nil || c.ptr == nil {
		return out, ErrInvalid.WithOp("ibv_query_gid")
	}
	var gid C.union_ibv_gid
	if err := ErrorFromStatus(int(C.ibv_query_gid(c.ptr, C.uint8_t(port), C.int(index), &gid)), "ibv_query_gid"); err != nil {
		return out, err
	}
	copy(out[:], unsafe.Slice((*byte)(unsafe.Pointer(&gid)), len(out)))
	return out, nil
}
