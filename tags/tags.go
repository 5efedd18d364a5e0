package tags

import (
	"fmt"
	"os"
	"runtime"

	"nanokern.dev/event"
)

// SetLocalTags records facts about the host machine and process on the given
// event template. Everything here is local to read, so it is safe to call
// inline at boot.
func SetLocalTags(tmpl *event.Event) {
	if hostname, err := os.Hostname(); err == nil {
		tmpl.Set("hostname", hostname)
	}
	tmpl.Set("go_os", runtime.GOOS)
	tmpl.Set("go_arch", runtime.GOARCH)
	tmpl.Set("pid", fmt.Sprintf("%d", os.Getpid()))
	setHostTags(tmpl)
}
