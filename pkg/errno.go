package pkg

import "golang.org/x/sys/unix"

// Errno returns the negative errno-style status value a Linux usbip
// client expects in a RET_SUBMIT or RET_UNLINK status field for the
// given sentinel error. Unrecognized errors map to -EIO.
func Errno(err error) int32 {
	switch err {
	case nil:
		return 0
	case ErrCancelled:
		return -int32(unix.ECONNRESET)
	case ErrStall:
		return -int32(unix.EPIPE)
	case ErrTimeout:
		return -int32(unix.ETIMEDOUT)
	case ErrNoDevice, ErrInvalidEndpoint:
		return -int32(unix.ENOENT)
	case ErrInvalidRequest, ErrInvalidParameter, ErrInvalidState:
		return -int32(unix.EINVAL)
	case ErrNotSupported:
		return -int32(unix.ENOTSUP)
	case ErrBusy:
		return -int32(unix.EBUSY)
	case ErrNoResources, ErrNoMemory:
		return -int32(unix.ENOMEM)
	default:
		return -int32(unix.EIO)
	}
}

// ErrnoForStatus maps a TransferStatus to its errno-style status value.
func ErrnoForStatus(status TransferStatus) int32 {
	return Errno(status.Error())
}
