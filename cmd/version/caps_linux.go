package version

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"
)

func cstr(b []byte) string {
	end := bytes.IndexByte(b, 0)
	if end != -1 {
		return string(b[:end])
	}
	return string(b)
}

func hostKernel() (name, version, arch string) {
	name, version, arch = "Unknown", "unknown", "unknown"
	var buf unix.Utsname
	if err := unix.Uname(&buf); err == nil {
		name = cstr(buf.Sysname[:])
		version = cstr(buf.Release[:])
		arch = cstr(buf.Machine[:])
	}
	return name, version, arch
}

func GetEffectiveCaps() string {
	effectiveCaps := "unknown"
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err == nil {
		mask := (uint64(data[1].Effective) << 32) | (uint64(data[0].Effective) << 0)
		effectiveCaps = fmt.Sprintf("0x%016x", mask)
		for shift, name := range capNames {
			if mask&(1<<shift) != 0 {
				effectiveCaps += fmt.Sprintf(" +%s", name)
			} else {
				effectiveCaps += fmt.Sprintf(" -%s", name)
			}
		}
	}

	return effectiveCaps
}

var capNames = []string{
	"chown",
	"dac_override",
	"dac_read_search",
	"fowner",
	"fsetid",
	"kill",
	"setgid",
	"setuid",
	"setpcap",
	"linux_immutable",
	"net_bind_service",
	"net_broadcast",
	"net_admin",
	"net_raw",
	"ipc_lock",
	"ipc_owner",
	"sys_module",
	"sys_rawio",
	"sys_chroot",
	"sys_ptrace",
	"sys_pacct",
	"sys_admin",
	"sys_boot",
	"sys_nice",
	"sys_resource",
	"sys_time",
	"sys_tty_config",
	"mknod",
	"lease",
	"audit_write",
	"audit_control",
	"setfcap",
	"mac_override",
	"mac_admin",
	"syslog",
	"wake_alarm",
	"block_suspend",
	"audit_read",
	"perfmon",
	"bpf",
	"checkpoint_restore",
}
