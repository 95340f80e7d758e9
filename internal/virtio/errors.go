package virtio

import "errors"

// Transport negotiation failures (spec.md section 7, "Virtio negotiation").
var (
	ErrUnsupportedDevice          = errors.New("virtio: unsupported device")
	ErrLegacyOnly                 = errors.New("virtio: device does not advertise VIRTIO_F_VERSION_1")
	ErrFeatureNegotiationFailed   = errors.New("virtio: FEATURES_OK not accepted by device")
	ErrQueueTooSmall              = errors.New("virtio: queue max size below required capacity")
)

// Block-layer failures (spec.md section 7, "Block layer").
var (
	ErrBlockIO             = errors.New("virtio-blk: device reported I/O error")
	ErrBlockNotSupported   = errors.New("virtio-blk: operation not supported by device")
	ErrNoDataBuf           = errors.New("virtio-blk: request requires a data buffer")
	ErrInvalidDataBufSize  = errors.New("virtio-blk: data buffer is not exactly one sector")
)
