// kernel_io.go - Synchronous guest I/O completion path

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// The file operations here follow one shape: resolve handles, reset the
// optional guest event, do the work synchronously, write the
// IO_STATUS_BLOCK (status + information, big-endian) into guest memory,
// and only then signal the event. Guest code that waits on the event is
// guaranteed to observe the completed status block. The audio register
// interface relies on the same ordering for its guest-visible records.

const (
	X_FILE_SUPERSEDE    = 0x00000000
	X_FILE_OPEN         = 0x00000001
	X_FILE_CREATE       = 0x00000002
	X_FILE_OPEN_IF      = 0x00000003
	X_FILE_OVERWRITE    = 0x00000004
	X_FILE_OVERWRITE_IF = 0x00000005

	X_GENERIC_READ    = 0x80000000
	X_GENERIC_WRITE   = 0x40000000
	X_GENERIC_ALL     = 0x10000000
	X_FILE_READ_DATA  = 0x00000001
	X_FILE_WRITE_DATA = 0x00000002

	X_FILE_DOES_NOT_EXIST = 5
	X_FILE_OPENED         = 1

	// Information classes handled by Set/QueryInformationFile.
	X_FILE_POSITION_INFORMATION = 14

	// "Use the file pointer" byte offset marker.
	X_FILE_USE_FILE_POINTER_POSITION = 0xFFFFFFFFFFFFFFFE
)

// HostFile is the opaque host-side file the kernel reads and writes.
type HostFile interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
	Close() error
}

var ErrNoSuchFile = errors.New("no such file")

// FileSystem resolves guest paths onto host files. The real emulator
// mounts game packages here; tests mount an in-memory tree.
type FileSystem interface {
	Open(name string, write bool) (HostFile, error)
}

// Kernel owns the object table and dispatches the Nt* file exports.
type Kernel struct {
	memory  MemoryBus
	objects *ObjectTable
	fs      FileSystem
	log     zerolog.Logger
}

func NewKernel(memory MemoryBus, fs FileSystem, log zerolog.Logger) *Kernel {
	return &Kernel{
		memory:  memory,
		objects: NewObjectTable(),
		fs:      fs,
		log:     log.With().Str("c", "kernel").Logger(),
	}
}

func (k *Kernel) Objects() *ObjectTable { return k.objects }

// writeIoStatus stores the IO_STATUS_BLOCK at ptr: status word then
// information word, guest order. A zero pointer skips the write, which
// some guest callers legitimately pass.
func (k *Kernel) writeIoStatus(ptr uint32, status X_STATUS, info uint32) {
	if ptr == 0 {
		return
	}
	raw := k.memory.TranslatePhysical(ptr)
	if len(raw) < 8 {
		return
	}
	binary.BigEndian.PutUint32(raw[0:4], uint32(status))
	binary.BigEndian.PutUint32(raw[4:8], info)
}

// readAnsiString reads an X_ANSI_STRING (length, max length, pointer)
// at ptr and returns the referenced bytes.
func (k *Kernel) readAnsiString(ptr uint32) string {
	if ptr == 0 {
		return ""
	}
	raw := k.memory.TranslatePhysical(ptr)
	if len(raw) < 8 {
		return ""
	}
	length := binary.BigEndian.Uint16(raw[0:2])
	bufPtr := binary.BigEndian.Uint32(raw[4:8])
	if bufPtr == 0 || length == 0 {
		return ""
	}
	buf := k.memory.TranslatePhysical(bufPtr)
	if len(buf) < int(length) {
		return ""
	}
	return string(buf[:length])
}

// ObjectAttributes is the guest OBJECT_ATTRIBUTES record: root handle,
// name string pointer, attribute flags.
type ObjectAttributes struct {
	RootDirectory uint32
	ObjectName    string
	Attributes    uint32
}

func (k *Kernel) readObjectAttributes(ptr uint32) ObjectAttributes {
	if ptr == 0 {
		return ObjectAttributes{}
	}
	raw := k.memory.TranslatePhysical(ptr)
	if len(raw) < 12 {
		return ObjectAttributes{}
	}
	namePtr := binary.BigEndian.Uint32(raw[4:8])
	return ObjectAttributes{
		RootDirectory: binary.BigEndian.Uint32(raw[0:4]),
		ObjectName:    k.readAnsiString(namePtr),
		Attributes:    binary.BigEndian.Uint32(raw[8:12]),
	}
}

// NtCreateFile opens or creates the named file and writes the handle and
// status block back into guest memory.
func (k *Kernel) NtCreateFile(handlePtr, desiredAccess, objectAttributesPtr, ioStatusBlockPtr, creationDisposition uint32) X_STATUS {
	attrs := k.readObjectAttributes(objectAttributesPtr)

	k.log.Debug().
		Str("name", attrs.ObjectName).
		Uint32("access", desiredAccess).
		Uint32("disposition", creationDisposition).
		Msg("NtCreateFile")

	wantsWrite := desiredAccess&X_GENERIC_WRITE != 0 ||
		desiredAccess&X_GENERIC_ALL != 0 ||
		desiredAccess&X_FILE_WRITE_DATA != 0

	result := X_STATUS_NO_SUCH_FILE
	info := uint32(X_FILE_DOES_NOT_EXIST)

	host, err := k.fs.Open(attrs.ObjectName, wantsWrite)
	if err == nil {
		file := &XFile{name: attrs.ObjectName, file: host}
		handle := k.objects.Add(file)
		result = X_STATUS_SUCCESS
		info = X_FILE_OPENED
		if out := k.memory.TranslatePhysical(handlePtr); handlePtr != 0 && len(out) >= 4 {
			binary.BigEndian.PutUint32(out[:4], handle)
		}
	}

	k.writeIoStatus(ioStatusBlockPtr, result, info)
	return result
}

// NtOpenFile is NtCreateFile constrained to the open disposition.
func (k *Kernel) NtOpenFile(handlePtr, desiredAccess, objectAttributesPtr, ioStatusBlockPtr uint32) X_STATUS {
	return k.NtCreateFile(handlePtr, desiredAccess, objectAttributesPtr, ioStatusBlockPtr, X_FILE_OPEN)
}

// NtReadFile reads synchronously into guest memory at buffer. A
// non-zero event handle is reset before the read and set after the
// status block write-back.
func (k *Kernel) NtReadFile(fileHandle, eventHandle, ioStatusBlockPtr, buffer, bufferLength uint32, byteOffset uint64) X_STATUS {
	result := X_STATUS_SUCCESS
	info := uint32(0)

	var event *XEvent
	if eventHandle != 0 {
		if event = k.objects.LookupEvent(eventHandle); event == nil {
			result = X_STATUS_INVALID_HANDLE
		}
	}

	file := k.objects.LookupFile(fileHandle)
	if file == nil {
		result = X_STATUS_INVALID_HANDLE
	}

	signalEvent := false
	if XSucceeded(result) {
		if event != nil {
			event.Reset()
		}

		offset := byteOffset
		if byteOffset == X_FILE_USE_FILE_POINTER_POSITION {
			// FILE_USE_FILE_POINTER_POSITION, or no offset supplied.
			offset = file.Position()
		}

		dst := k.memory.TranslatePhysical(buffer)
		if uint64(len(dst)) < uint64(bufferLength) {
			// Guest buffer reaches past the end of memory.
			result = X_STATUS_UNSUCCESSFUL
		} else if n, err := file.file.ReadAt(dst[:bufferLength], int64(offset)); n > 0 || err == nil || err == io.EOF {
			info = uint32(n)
			file.SetPosition(offset + uint64(n))
		} else {
			result = X_STATUS_UNSUCCESSFUL
		}
		signalEvent = true
	}

	k.writeIoStatus(ioStatusBlockPtr, result, info)
	if event != nil && signalEvent {
		event.Set()
	}
	return result
}

// NtWriteFile writes synchronously from guest memory at buffer, with the
// same completion ordering as NtReadFile.
func (k *Kernel) NtWriteFile(fileHandle, eventHandle, ioStatusBlockPtr, buffer, bufferLength uint32, byteOffset uint64) X_STATUS {
	result := X_STATUS_SUCCESS
	info := uint32(0)

	var event *XEvent
	if eventHandle != 0 {
		if event = k.objects.LookupEvent(eventHandle); event == nil {
			result = X_STATUS_INVALID_HANDLE
		}
	}

	file := k.objects.LookupFile(fileHandle)
	if file == nil {
		result = X_STATUS_INVALID_HANDLE
	}

	signalEvent := false
	if XSucceeded(result) {
		if event != nil {
			event.Reset()
		}

		offset := byteOffset
		if byteOffset == X_FILE_USE_FILE_POINTER_POSITION {
			// FILE_USE_FILE_POINTER_POSITION, or no offset supplied.
			offset = file.Position()
		}

		src := k.memory.TranslatePhysical(buffer)
		if uint64(len(src)) < uint64(bufferLength) {
			// Guest buffer reaches past the end of memory.
			result = X_STATUS_UNSUCCESSFUL
		} else if n, err := file.file.WriteAt(src[:bufferLength], int64(offset)); err == nil {
			info = uint32(n)
			file.SetPosition(offset + uint64(n))
		} else {
			result = X_STATUS_UNSUCCESSFUL
		}
		signalEvent = true
	}

	k.writeIoStatus(ioStatusBlockPtr, result, info)
	if event != nil && signalEvent {
		event.Set()
	}
	return result
}

// NtSetInformationFile handles the position class; other classes are
// acknowledged without effect, matching the hardware-era leniency for
// spurious guest commands.
func (k *Kernel) NtSetInformationFile(fileHandle, ioStatusBlockPtr, fileInfoPtr, length, fileInfoClass uint32) X_STATUS {
	result := X_STATUS_SUCCESS
	info := uint32(0)

	file := k.objects.LookupFile(fileHandle)
	if file == nil {
		result = X_STATUS_INVALID_HANDLE
	} else if fileInfoClass == X_FILE_POSITION_INFORMATION {
		raw := k.memory.TranslatePhysical(fileInfoPtr)
		if length != 8 {
			result = X_STATUS_INFO_LENGTH_MISMATCH
		} else if len(raw) < 8 {
			result = X_STATUS_UNSUCCESSFUL
		} else {
			file.SetPosition(binary.BigEndian.Uint64(raw[:8]))
			info = 8
		}
	} else {
		k.log.Warn().Uint32("class", fileInfoClass).Msg("NtSetInformationFile ignoring class")
	}

	k.writeIoStatus(ioStatusBlockPtr, result, info)
	return result
}

// NtQueryInformationFile mirrors the set path for the position class.
func (k *Kernel) NtQueryInformationFile(fileHandle, ioStatusBlockPtr, fileInfoPtr, length, fileInfoClass uint32) X_STATUS {
	result := X_STATUS_SUCCESS
	info := uint32(0)

	file := k.objects.LookupFile(fileHandle)
	if file == nil {
		result = X_STATUS_INVALID_HANDLE
	} else if fileInfoClass == X_FILE_POSITION_INFORMATION {
		raw := k.memory.TranslatePhysical(fileInfoPtr)
		if length != 8 {
			result = X_STATUS_INFO_LENGTH_MISMATCH
		} else if len(raw) < 8 {
			result = X_STATUS_UNSUCCESSFUL
		} else {
			binary.BigEndian.PutUint64(raw[:8], file.Position())
			info = 8
		}
	} else {
		result = X_STATUS_UNSUCCESSFUL
		k.log.Warn().Uint32("class", fileInfoClass).Msg("NtQueryInformationFile unsupported class")
	}

	k.writeIoStatus(ioStatusBlockPtr, result, info)
	return result
}

// NtFlushBuffersFile completes immediately; the synchronous path never
// buffers.
func (k *Kernel) NtFlushBuffersFile(fileHandle, ioStatusBlockPtr uint32) X_STATUS {
	result := X_STATUS_SUCCESS
	if k.objects.LookupFile(fileHandle) == nil {
		result = X_STATUS_INVALID_HANDLE
	}
	k.writeIoStatus(ioStatusBlockPtr, result, 0)
	return result
}

// NtClose removes the handle and closes the underlying host file if the
// object carries one.
func (k *Kernel) NtClose(handle uint32) X_STATUS {
	obj := k.objects.lookup(handle)
	if obj == nil {
		return X_STATUS_INVALID_HANDLE
	}
	if file, ok := obj.(*XFile); ok && file.file != nil {
		_ = file.file.Close()
	}
	k.objects.Remove(handle)
	return X_STATUS_SUCCESS
}

// Export is one entry of a kernel module's export table.
type Export struct {
	Name string
	Shim any
}

// RegisterIoExports returns the I/O export table in registration order.
// The loader resolves guest imports against these names.
func (k *Kernel) RegisterIoExports() []Export {
	return []Export{
		{"NtCreateFile", k.NtCreateFile},
		{"NtOpenFile", k.NtOpenFile},
		{"NtReadFile", k.NtReadFile},
		{"NtWriteFile", k.NtWriteFile},
		{"NtSetInformationFile", k.NtSetInformationFile},
		{"NtQueryInformationFile", k.NtQueryInformationFile},
		{"NtFlushBuffersFile", k.NtFlushBuffersFile},
		{"NtClose", k.NtClose},
	}
}
