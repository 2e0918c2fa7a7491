// Package usbfs is the Linux usbfs backend of the bulk USB transport.
//
// A [Device] opens a /dev/bus/usb node, claims interfaces and submits
// asynchronous bulk URBs. One pump goroutine per device waits on epoll for
// the node to become writable (usbfs signals reapable URBs that way) and
// reaps completions without blocking, delivering each to its
// [usb.Transfer].
package usbfs
