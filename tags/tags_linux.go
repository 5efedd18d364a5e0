package tags

import (
	"bytes"

	"golang.org/x/sys/unix"

	"nanokern.dev/event"
)

func setHostTags(tmpl *event.Event) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return
	}
	cstr := func(b []byte) string {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(b[:i])
		}
		return string(b)
	}
	tmpl.Set("host_kernel_name", cstr(uname.Sysname[:]))
	tmpl.Set("host_kernel_release", cstr(uname.Release[:]))
	tmpl.Set("host_kernel_arch", cstr(uname.Machine[:]))
}
