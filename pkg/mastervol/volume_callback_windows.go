package mastervol

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

// IID_IAudioEndpointVolumeCallback
var iidAudioEndpointVolumeCallback = ole.NewGUID("{657804FA-D6AD-4496-8A60-352752AF4F89}")

// audioEndpointVolumeVtbl mirrors the head of the IAudioEndpointVolume vtable
type audioEndpointVolumeVtbl struct {
	ole.IUnknownVtbl
	RegisterControlChangeNotify   uintptr
	UnregisterControlChangeNotify uintptr
}

type volumeCallbackVtbl struct {
	ole.IUnknownVtbl
	OnNotify uintptr
}

// volumeCallback is a Go-backed IAudioEndpointVolumeCallback. The vtable pointer must stay
// the first field, COM treats the struct address as the interface pointer
type volumeCallback struct {
	vtbl     *volumeCallbackVtbl
	refCount int32
	onNotify func()
}

var (
	volumeCallbackVtblOnce   sync.Once
	sharedVolumeCallbackVtbl *volumeCallbackVtbl
)

// syscall.NewCallback slots are limited, so every callback object shares one vtable
func volumeCallbackVTable() *volumeCallbackVtbl {
	volumeCallbackVtblOnce.Do(func() {
		sharedVolumeCallbackVtbl = &volumeCallbackVtbl{
			IUnknownVtbl: ole.IUnknownVtbl{
				QueryInterface: syscall.NewCallback(volumeCallbackQueryInterface),
				AddRef:         syscall.NewCallback(volumeCallbackAddRef),
				Release:        syscall.NewCallback(volumeCallbackRelease),
			},
			OnNotify: syscall.NewCallback(volumeCallbackOnNotify),
		}
	})

	return sharedVolumeCallbackVtbl
}

func newVolumeCallback(onNotify func()) *volumeCallback {
	return &volumeCallback{
		vtbl:     volumeCallbackVTable(),
		refCount: 1,
		onNotify: onNotify,
	}
}

func volumeCallbackFrom(this uintptr) *volumeCallback {
	return (*volumeCallback)(unsafe.Pointer(this))
}

func volumeCallbackQueryInterface(this uintptr, riid *ole.GUID, ppv *uintptr) uintptr {
	if ppv == nil {
		return ole.E_POINTER
	}

	if !ole.IsEqualGUID(riid, ole.IID_IUnknown) && !ole.IsEqualGUID(riid, iidAudioEndpointVolumeCallback) {
		*ppv = 0
		return ole.E_NOINTERFACE
	}

	*ppv = this
	volumeCallbackAddRef(this)

	return ole.S_OK
}

func volumeCallbackAddRef(this uintptr) uintptr {
	return uintptr(atomic.AddInt32(&volumeCallbackFrom(this).refCount, 1))
}

// the object is owned by the Go heap, the count only tells COM what it expects to hear
func volumeCallbackRelease(this uintptr) uintptr {
	return uintptr(atomic.AddInt32(&volumeCallbackFrom(this).refCount, -1))
}

func volumeCallbackOnNotify(this uintptr, _ uintptr) uintptr {
	if callback := volumeCallbackFrom(this); callback.onNotify != nil {
		callback.onNotify()
	}

	return ole.S_OK
}

func registerControlChangeNotify(aev *wca.IAudioEndpointVolume, callback *volumeCallback) error {
	vtbl := (*audioEndpointVolumeVtbl)(unsafe.Pointer(aev.RawVTable))

	hr, _, _ := syscall.Syscall(
		vtbl.RegisterControlChangeNotify,
		2,
		uintptr(unsafe.Pointer(aev)),
		uintptr(unsafe.Pointer(callback)),
		0)
	if hr != ole.S_OK {
		return ole.NewError(hr)
	}

	return nil
}

func unregisterControlChangeNotify(aev *wca.IAudioEndpointVolume, callback *volumeCallback) error {
	vtbl := (*audioEndpointVolumeVtbl)(unsafe.Pointer(aev.RawVTable))

	hr, _, _ := syscall.Syscall(
		vtbl.UnregisterControlChangeNotify,
		2,
		uintptr(unsafe.Pointer(aev)),
		uintptr(unsafe.Pointer(callback)),
		0)
	if hr != ole.S_OK {
		return ole.NewError(hr)
	}

	return nil
}
